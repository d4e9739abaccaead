package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"line-plant/pkg/editor"
	"line-plant/pkg/model"
	"line-plant/pkg/util"
)

// handleLines serves the single-line route editor.
//
//	GET    ?id=      load one line for editing, or list all lines
//	POST   ?dryRun=  validate only, or save (acceptErrors in the body)
//	DELETE ?id=      delete a line and its hops
func (s *server) handleLines(w http.ResponseWriter, r *http.Request, actor string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			req, err := s.Editor.Load(ctx, id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
			return
		}
		lines, err := s.Store.ListLines(ctx)
		if err != nil {
			writeError(w, util.NewStorageError("list lines", err))
			return
		}
		if lines == nil {
			lines = []model.PhoneLine{}
		}
		writeJSON(w, http.StatusOK, lines)
	case http.MethodPost:
		var req editor.SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		req.Actor = actor
		if dry, _ := strconv.ParseBool(r.URL.Query().Get("dryRun")); dry {
			report, err := s.Editor.Validate(ctx, req)
			if err != nil {
				writeError(w, err)
				return
			}
			resp := ValidateResponse{OK: report == nil}
			if report != nil {
				resp.Conflicts = report.Conflicts
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		line, hops, err := s.Editor.Save(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, LineResponse{Line: line, Hops: hops})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := s.Editor.Delete(ctx, id, actor); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleLineLookup(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	number := strings.TrimSpace(r.URL.Query().Get("phoneNumber"))
	if number == "" {
		http.Error(w, "phoneNumber is required", http.StatusBadRequest)
		return
	}
	line, ok, err := s.Store.GetLineByPhoneNumber(r.Context(), number)
	if err != nil {
		writeError(w, util.NewStorageError("get line by phone number", err))
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("phone number %s: %w", number, util.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, line)
}
