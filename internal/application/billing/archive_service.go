package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterline/backend/internal/domain/billing"
	"github.com/meterline/backend/internal/domain/shared"
	"github.com/meterline/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ArchiveContentType is the content type of exported archives
const ArchiveContentType = "application/x-ndjson"

// ArchiveStorage is where exported event streams are written
type ArchiveStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, time.Time, error)
}

// EventEncoder encodes an event to its stored JSON form
type EventEncoder interface {
	Serialize(event billing.Event) ([]byte, error)
}

// HistoryRecord is one event of an account's history in stored form
type HistoryRecord struct {
	Sequence   int64           `json:"sequence"`
	EventID    string          `json:"event_id"`
	TypeTag    string          `json:"type_tag"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// ArchiveExport describes an uploaded archive
type ArchiveExport struct {
	AccountID   string
	Key         string
	Version     int64
	EventCount  int
	DownloadURL string
	ExpiresAt   time.Time
}

// ArchiveServiceConfig configures ArchiveService
type ArchiveServiceConfig struct {
	Store   billing.EventStore
	Storage ArchiveStorage
	Encoder EventEncoder
	Logger  *zap.Logger
	// Prefix is prepended to every key, default "archives"
	Prefix string
	// URLExpiration is the lifetime of download links; 0 lets storage decide
	URLExpiration time.Duration
}

// ArchiveService exports account event streams as JSON Lines
type ArchiveService struct {
	store         billing.EventStore
	storage       ArchiveStorage
	encoder       EventEncoder
	logger        *zap.Logger
	prefix        string
	urlExpiration time.Duration
}

// NewArchiveService creates a new ArchiveService
func NewArchiveService(cfg ArchiveServiceConfig) *ArchiveService {
	s := &ArchiveService{
		store:         cfg.Store,
		storage:       cfg.Storage,
		encoder:       cfg.Encoder,
		logger:        cfg.Logger,
		prefix:        cfg.Prefix,
		urlExpiration: cfg.URLExpiration,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.prefix == "" {
		s.prefix = "archives"
	}
	return s
}

// History returns the account's events in stored form, oldest first
func (s *ArchiveService) History(ctx context.Context, accountID string) ([]HistoryRecord, error) {
	events, err := s.store.Load(ctx, accountID, 0, billing.LatestVersion)
	if err != nil {
		return nil, err
	}

	records := make([]HistoryRecord, 0, len(events))
	for i, e := range events {
		payload, err := s.encoder.Serialize(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", e.EventID(), err)
		}
		seq := e.StreamVersion()
		if seq == 0 {
			seq = int64(i + 1)
		}
		records = append(records, HistoryRecord{
			Sequence:   seq,
			EventID:    e.EventID().String(),
			TypeTag:    e.EventType(),
			OccurredAt: e.OccurredAt(),
			Payload:    payload,
		})
	}
	return records, nil
}

// ExportAccount uploads the account's history to <prefix>/<account>/<version>.jsonl
// and returns a download link. Accounts without events return ErrNotFound.
func (s *ArchiveService) ExportAccount(ctx context.Context, accountID string) (*ArchiveExport, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "billing_archive", "export_account",
		telemetry.WithAttribute(telemetry.SpanAttrAccountID, accountID),
	)
	defer span.End()

	version, err := s.store.Version(ctx, accountID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if version == 0 {
		return nil, shared.NewDomainError(shared.ErrNotFound.Code, fmt.Sprintf("account %s has no events", accountID))
	}

	records, err := s.History(ctx, accountID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("failed to write archive line: %w", err)
		}
	}

	key := fmt.Sprintf("%s/%s/%d.jsonl", s.prefix, accountID, version)
	if err := s.storage.Upload(ctx, key, buf.Bytes(), ArchiveContentType); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	url, expiresAt, err := s.storage.GenerateDownloadURL(ctx, key, s.urlExpiration)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.SetAttributes(span,
		telemetry.SpanAttrVersion, version,
		telemetry.SpanAttrEventCount, len(records),
	)
	s.logger.Info("Exported account archive",
		zap.String("account_id", accountID),
		zap.String("key", key),
		zap.Int64("version", version),
		zap.Int("events", len(records)),
	)

	return &ArchiveExport{
		AccountID:   accountID,
		Key:         key,
		Version:     version,
		EventCount:  len(records),
		DownloadURL: url,
		ExpiresAt:   expiresAt,
	}, nil
}
