package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/attribution-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service appends and lists audit entries
type Service struct {
	db *gorm.DB
}

// NewService creates a new audit service with the given database connection
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// NewEntry builds an Entry with a fresh audit id and marshalled metadata.
// A metadata map that fails to marshal is recorded as an error string rather
// than dropping the entry.
func NewEntry(entityType, entityID, oldState, newState, actor, reason string, metadata map[string]any) *Entry {
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			meta = fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
		} else {
			meta = string(b)
		}
	}

	return &Entry{
		AuditID:    "AUD_" + uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		OldState:   oldState,
		NewState:   newState,
		Actor:      actor,
		Reason:     reason,
		Metadata:   meta,
		CreatedAt:  time.Now(),
	}
}

// Record appends an entry in its own transaction.
func (s *Service) Record(entry *Entry) error {
	return s.RecordTx(s.db, entry)
}

// RecordTx appends an entry using the caller's transaction handle, so the
// entry commits atomically with the state change it describes.
func (s *Service) RecordTx(tx *gorm.DB, entry *Entry) error {
	if entry.AuditID == "" {
		entry.AuditID = "AUD_" + uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := tx.Create(entry).Error; err != nil {
		log.Error().
			Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Str("actor", entry.Actor).
			Msg("failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns audit entries matching the given filters, newest first.
func (s *Service) List(opts ListOptions) ([]Entry, error) {
	query := s.db.Model(&Entry{})

	if opts.EntityType != "" {
		query = query.Where("entity_type = ?", opts.EntityType)
	}
	if opts.EntityID != "" {
		query = query.Where("entity_id = ?", opts.EntityID)
	}
	if opts.Actor != "" {
		query = query.Where("actor = ?", opts.Actor)
	}
	if opts.Since != nil {
		query = query.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		query = query.Where("created_at <= ?", *opts.Until)
	}

	query = query.Order("created_at DESC")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}

	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// GinHandlers contains HTTP handlers for audit endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListEntriesHandler handles GET requests for audit entries
// Query parameters: entity_type, entity_id, actor, limit, offset
func (h *GinHandlers) ListEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := ListOptions{
			EntityType: c.Query("entity_type"),
			EntityID:   c.Query("entity_id"),
			Actor:      c.Query("actor"),
			Limit:      100,
		}
		if limit, ok := intQuery(c, "limit"); ok {
			opts.Limit = limit
		}
		if offset, ok := intQuery(c, "offset"); ok {
			opts.Offset = offset
		}

		entries, err := h.service.List(opts)
		response.Handle(c, entries, err)
	}
}

func intQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, false
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
