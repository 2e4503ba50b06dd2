package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/deckflow/deckflow/pkg/events"
	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/store"
)

// Builder instantiates pipeline DAGs and standalone tasks in the queue
// store. All writes of one submission happen in a single transaction, so
// a rejected template leaves nothing behind.
type Builder struct {
	store           *store.Store
	broker          *events.Broker
	defaultRetries  int
	payloadMaxBytes int
	logger          zerolog.Logger
}

// NewBuilder creates a builder. The broker is optional.
func NewBuilder(st *store.Store, broker *events.Broker, defaultMaxRetries, payloadMaxBytes int) *Builder {
	return &Builder{
		store:           st,
		broker:          broker,
		defaultRetries:  defaultMaxRetries,
		payloadMaxBytes: payloadMaxBytes,
		logger:          log.Component("pipeline"),
	}
}

// SubmitPipeline materializes the template as tasks plus dependency edges
// and returns the fresh pipeline id. Payloads are optional per-kind
// overrides handed through to the handlers untouched.
func (b *Builder) SubmitPipeline(ctx context.Context, tmpl *Template, subjectRef string, priority int, payloads map[string][]byte) (string, error) {
	if err := tmpl.Validate(); err != nil {
		return "", err
	}
	for kind, payload := range payloads {
		if len(payload) > b.payloadMaxBytes {
			return "", fmt.Errorf("%w: payload for kind %q is %d bytes (max %d)",
				store.ErrPayloadTooLarge, kind, len(payload), b.payloadMaxBytes)
		}
	}

	pipelineID := uuid.NewString()
	err := b.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		idByKind := make(map[string]int64, len(tmpl.Tasks))
		for _, spec := range tmpl.Tasks {
			weight := spec.Weight
			if weight == 0 {
				weight = 1
			}
			maxRetries := b.defaultRetries
			if spec.MaxRetries != nil {
				maxRetries = *spec.MaxRetries
			}

			var id int64
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO tasks (pipeline_id, kind, subject_ref, priority, status,
				                   max_retries, next_earliest_start, payload, weight)
				VALUES ($1, $2, $3, $4, 'queued', $5, now(), $6, $7)
				RETURNING id
			`, pipelineID, spec.Kind, subjectRef, priority, maxRetries, payloads[spec.Kind], weight).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert task %q: %w", spec.Kind, err)
			}
			idByKind[spec.Kind] = id
		}

		for _, spec := range tmpl.Tasks {
			for _, up := range spec.DependsOn {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO task_deps (upstream_id, downstream_id) VALUES ($1, $2)
				`, idByKind[up], idByKind[spec.Kind])
				if err != nil {
					return fmt.Errorf("failed to insert edge %q -> %q: %w", up, spec.Kind, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	b.logger.Info().
		Str("pipeline_id", pipelineID).
		Str("template", tmpl.Name).
		Str("subject_ref", subjectRef).
		Int("tasks", len(tmpl.Tasks)).
		Msg("Pipeline submitted")
	if b.broker != nil {
		b.broker.Publish(events.Event{
			Type:       events.EventPipelineSubmitted,
			PipelineID: pipelineID,
			Message:    tmpl.Name,
		})
	}
	return pipelineID, nil
}

// SubmitTask creates one standalone task outside any pipeline.
func (b *Builder) SubmitTask(ctx context.Context, kind, subjectRef string, payload []byte, priority, maxRetries int) (int64, error) {
	if kind == "" {
		return 0, fmt.Errorf("task kind is required")
	}
	if len(payload) > b.payloadMaxBytes {
		return 0, fmt.Errorf("%w: payload is %d bytes (max %d)",
			store.ErrPayloadTooLarge, len(payload), b.payloadMaxBytes)
	}
	if maxRetries < 0 {
		maxRetries = b.defaultRetries
	}

	var id int64
	err := b.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, `
			INSERT INTO tasks (kind, subject_ref, priority, status, max_retries,
			                   next_earliest_start, payload, weight)
			VALUES ($1, $2, $3, 'queued', $4, now(), $5, 1)
			RETURNING id
		`, kind, subjectRef, priority, maxRetries, payload).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to submit task: %w", err)
	}

	if b.broker != nil {
		b.broker.Publish(events.Event{Type: events.EventTaskSubmitted, TaskID: id})
	}
	return id, nil
}
