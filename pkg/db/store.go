package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"line-plant/pkg/model"
	"line-plant/pkg/routeset"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
)

// Store is a RouteStore and NodeDirectory backed by a SQL database through gorm.
// The unique index on route_hops(node_id, port_address) backs up the
// application-level conflict checks.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for operator accounts.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return util.NewStorageError("ping", err)
	}
	return util.NewStorageError("ping", sqlDB.PingContext(ctx))
}

func (s *Store) ListNodes(ctx context.Context) ([]model.DistributionNode, error) {
	var nodes []model.DistributionNode
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, util.NewStorageError("list nodes", err)
	}
	return nodes, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (model.DistributionNode, bool, error) {
	var n model.DistributionNode
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return n, false, nil
	}
	if err != nil {
		return n, false, util.NewStorageError("get node", err)
	}
	return n, true, nil
}

func (s *Store) UpsertNode(ctx context.Context, n model.DistributionNode) (model.DistributionNode, error) {
	if err := topology.ValidateCapacity(n); err != nil {
		return n, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DistributionNode
		err := tx.Where("id = ?", n.ID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case existing.Kind != n.Kind:
			return util.NewValidationError(fmt.Sprintf("node %s kind cannot change from %s to %s", n.ID, existing.Kind, n.Kind))
		}
		return tx.Save(&n).Error
	})
	return n, util.NewStorageError("upsert node", err)
}

func (s *Store) GetHopsForNode(ctx context.Context, nodeID string) ([]model.RouteHop, error) {
	var hops []model.RouteHop
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("port_address").Find(&hops).Error; err != nil {
		return nil, util.NewStorageError("get hops for node", err)
	}
	return hops, nil
}

func (s *Store) GetLineByPhoneNumber(ctx context.Context, number string) (model.PhoneLine, bool, error) {
	l, ok, err := lineByNumber(s.db.WithContext(ctx), number)
	return l, ok, util.NewStorageError("get line by phone number", err)
}

func (s *Store) CheckPortInUse(ctx context.Context, nodeID, address, excludeLineID string) (model.ConflictResult, error) {
	res, err := portOwner(s.db.WithContext(ctx), nodeID, address, excludeLineID)
	return res, util.NewStorageError("check port in use", err)
}

func (s *Store) ReplaceLineRoute(ctx context.Context, line model.PhoneLine, hops []model.RouteHop, evict []string) (model.PhoneLine, []model.RouteHop, error) {
	line.PhoneNumber = strings.TrimSpace(line.PhoneNumber)
	if line.PhoneNumber == "" {
		return line, nil, util.NewValidationError("phone number is required")
	}
	if len(hops) > model.MaxHops {
		return line, nil, util.NewValidationError(fmt.Sprintf("a line may have at most %d hops", model.MaxHops))
	}
	if err := routeset.CheckRouteUnique(hops); err != nil {
		return line, nil, err
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	out := make([]model.RouteHop, len(hops))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		other, ok, err := lineByNumber(tx, line.PhoneNumber)
		if err != nil {
			return err
		}
		if ok && other.ID != line.ID {
			return util.NewValidationError(fmt.Sprintf("phone number %s already belongs to another line", line.PhoneNumber))
		}
		for _, id := range evict {
			if err := deleteHop(tx, id); err != nil {
				return err
			}
		}
		var current []model.RouteHop
		if err := tx.Where("line_id = ?", line.ID).Find(&current).Error; err != nil {
			return err
		}
		owned := make(map[string]bool, len(current))
		for _, h := range current {
			owned[h.ID] = true
		}
		if err := tx.Where("line_id = ?", line.ID).Delete(&model.RouteHop{}).Error; err != nil {
			return err
		}

		var conflicts []util.Conflict
		for i, h := range hops {
			r, err := portOwner(tx, h.NodeID, h.PortAddress, line.ID)
			if err != nil {
				return err
			}
			if r.InUse {
				conflicts = append(conflicts, conflictFor(i+1, h.NodeID, h.PortAddress, r))
			}
		}
		if len(conflicts) > 0 {
			return util.NewPortConflictError(conflicts...)
		}

		if err := tx.Save(&line).Error; err != nil {
			return err
		}
		for i, h := range hops {
			if h.ID == "" || !owned[h.ID] {
				h.ID = uuid.NewString()
			}
			h.LineID = line.ID
			h.Sequence = i + 1
			if err := tx.Create(&h).Error; err != nil {
				return translate(err, h.NodeID, h.PortAddress)
			}
			out[i] = h
		}
		return nil
	})
	if err != nil {
		return line, nil, util.NewStorageError("replace line route", err)
	}
	return line, out, nil
}

func (s *Store) ApplyPortBatch(ctx context.Context, deletions []string, creations []model.PortCreation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range deletions {
			if err := deleteHop(tx, id); err != nil {
				return err
			}
		}
		var conflicts []util.Conflict
		for _, c := range creations {
			number := strings.TrimSpace(c.PhoneNumber)
			if number == "" || c.NodeID == "" || c.PortAddress == "" {
				return util.NewValidationError("creation needs phone number, node and port address")
			}
			r, err := portOwner(tx, c.NodeID, c.PortAddress, "")
			if err != nil {
				return err
			}
			if r.InUse {
				conflicts = append(conflicts, conflictFor(0, c.NodeID, c.PortAddress, r))
				continue
			}
			line, ok, err := lineByNumber(tx, number)
			if err != nil {
				return err
			}
			if !ok {
				line = model.PhoneLine{ID: uuid.NewString(), PhoneNumber: number}
			}
			if line.ConsumerUnit == "" && c.ConsumerUnit != nil {
				line.ConsumerUnit = *c.ConsumerUnit
			}
			if err := tx.Save(&line).Error; err != nil {
				return err
			}
			var count int64
			if err := tx.Model(&model.RouteHop{}).Where("line_id = ?", line.ID).Count(&count).Error; err != nil {
				return err
			}
			if count >= model.MaxHops {
				return util.NewValidationError(fmt.Sprintf("line %s already has %d hops", number, model.MaxHops))
			}
			h := model.RouteHop{
				ID:          uuid.NewString(),
				LineID:      line.ID,
				NodeID:      c.NodeID,
				Sequence:    int(count) + 1,
				PortAddress: c.PortAddress,
			}
			if err := tx.Create(&h).Error; err != nil {
				return translate(err, c.NodeID, c.PortAddress)
			}
		}
		if len(conflicts) > 0 {
			return util.NewPortConflictError(conflicts...)
		}
		return nil
	})
	return util.NewStorageError("apply port batch", err)
}

func (s *Store) GetLine(ctx context.Context, id string) (model.PhoneLine, bool, error) {
	var l model.PhoneLine
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l, false, nil
	}
	if err != nil {
		return l, false, util.NewStorageError("get line", err)
	}
	return l, true, nil
}

func (s *Store) ListLines(ctx context.Context) ([]model.PhoneLine, error) {
	var lines []model.PhoneLine
	if err := s.db.WithContext(ctx).Order("phone_number").Find(&lines).Error; err != nil {
		return nil, util.NewStorageError("list lines", err)
	}
	return lines, nil
}

func (s *Store) GetRoute(ctx context.Context, lineID string) ([]model.RouteHop, error) {
	var hops []model.RouteHop
	if err := s.db.WithContext(ctx).Where("line_id = ?", lineID).Order("sequence").Find(&hops).Error; err != nil {
		return nil, util.NewStorageError("get route", err)
	}
	return hops, nil
}

func (s *Store) DeleteLine(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("line_id = ?", id).Delete(&model.RouteHop{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.PhoneLine{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("line %s: %w", id, util.ErrNotFound)
		}
		return nil
	})
	return util.NewStorageError("delete line", err)
}

func lineByNumber(tx *gorm.DB, number string) (model.PhoneLine, bool, error) {
	var l model.PhoneLine
	err := tx.Where("phone_number = ?", number).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l, false, nil
	}
	return l, err == nil, err
}

func portOwner(tx *gorm.DB, nodeID, address, excludeLineID string) (model.ConflictResult, error) {
	var h model.RouteHop
	q := tx.Where("node_id = ? AND port_address = ?", nodeID, address)
	if excludeLineID != "" {
		q = q.Where("line_id <> ?", excludeLineID)
	}
	err := q.First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ConflictResult{}, nil
	}
	if err != nil {
		return model.ConflictResult{}, err
	}
	var l model.PhoneLine
	if err := tx.Where("id = ?", h.LineID).First(&l).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ConflictResult{}, err
	}
	return model.ConflictResult{
		InUse:                true,
		OccupyingLineID:      h.LineID,
		OccupyingPhoneNumber: l.PhoneNumber,
		OccupyingHopID:       h.ID,
	}, nil
}

// deleteHop removes a hop if present and closes the gap in its line.
func deleteHop(tx *gorm.DB, id string) error {
	var h model.RouteHop
	err := tx.Where("id = ?", id).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(&model.RouteHop{}, "id = ?", id).Error; err != nil {
		return err
	}
	var rest []model.RouteHop
	if err := tx.Where("line_id = ?", h.LineID).Order("sequence").Find(&rest).Error; err != nil {
		return err
	}
	for i, r := range rest {
		if r.Sequence == i+1 {
			continue
		}
		if err := tx.Model(&model.RouteHop{}).Where("id = ?", r.ID).Update("sequence", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}

// translate turns a unique index violation into a port conflict; another
// operator claimed the port between our check and the insert.
func translate(err error, nodeID, address string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return util.NewPortConflictError(util.Conflict{NodeID: nodeID, PortAddress: address})
	}
	return err
}

func conflictFor(seq int, nodeID, address string, r model.ConflictResult) util.Conflict {
	return util.Conflict{
		Sequence:             seq,
		NodeID:               nodeID,
		PortAddress:          address,
		OccupyingLineID:      r.OccupyingLineID,
		OccupyingPhoneNumber: r.OccupyingPhoneNumber,
		OccupyingHopID:       r.OccupyingHopID,
	}
}
