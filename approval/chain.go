// Copyright 2025 PuddleJumper
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the chain step state machine. Steps activate in order-groups:
// every step sharing an order activates together, and the next group stays
// pending until the whole group terminates.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Terminal reports whether the step can no longer be decided.
func (s StepStatus) Terminal() bool {
	return s == StepApproved || s == StepRejected || s == StepSkipped
}

// DefaultTemplateID identifies the built-in template. It always exists,
// cannot be deleted, and rejects structural edits so at least one valid
// template is available at all times.
const DefaultTemplateID = "default"

// ChainTemplateStep is one reviewer slot in a template. Duplicate orders
// denote parallel steps within an order-group.
type ChainTemplateStep struct {
	Order        int    `json:"order"`
	RequiredRole string `json:"required_role"`
	Label        string `json:"label,omitempty"`
}

// ChainTemplate is a reusable review chain definition.
type ChainTemplate struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	IsDefault   bool                `json:"is_default"`
	Steps       []ChainTemplateStep `json:"steps"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ChainStep is one materialized review step bound to an approval.
type ChainStep struct {
	ID           string     `json:"id"`
	ApprovalID   string     `json:"approval_id"`
	TemplateID   string     `json:"template_id"`
	StepOrder    int        `json:"step_order"`
	RequiredRole string     `json:"required_role"`
	Label        string     `json:"label,omitempty"`
	Status       StepStatus `json:"status"`
	DeciderID    string     `json:"decider_id,omitempty"`
	DeciderNote  string     `json:"decider_note,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ChainProgress summarizes a chain for the API.
type ChainProgress struct {
	Total        int          `json:"total"`
	Completed    int          `json:"completed"`
	CurrentStep  *ChainStep   `json:"current_step,omitempty"`
	CurrentSteps []*ChainStep `json:"current_steps,omitempty"`
	AllApproved  bool         `json:"all_approved"`
	Rejected     bool         `json:"rejected"`
	TemplateID   string       `json:"template_id"`
	TemplateName string       `json:"template_name"`
}

// DecideStepInput records one reviewer decision.
type DecideStepInput struct {
	StepID    string
	DeciderID string
	Status    StepStatus // StepApproved or StepRejected
	Note      string
}

// StepDecision is the outcome of DecideStep. Exactly one of Advanced,
// AllApproved and Rejected may be set; none set means siblings in the same
// order-group are still active.
type StepDecision struct {
	Step        *ChainStep `json:"step"`
	Advanced    bool       `json:"advanced"`
	AllApproved bool       `json:"all_approved"`
	Rejected    bool       `json:"rejected"`
}

// TemplateInput creates or replaces a template definition.
type TemplateInput struct {
	ID          string
	Name        string
	Description string
	Steps       []ChainTemplateStep
}

// Chain store failure sentinels.
var (
	ErrNonSequentialOrders = errors.New("chain: step orders must form a contiguous range starting at 0")
	ErrTemplateNotFound    = errors.New("chain: template not found")
	ErrTemplateInUse       = errors.New("chain: template referenced by an undecided chain")
	ErrDefaultImmutable    = errors.New("chain: the default template cannot be modified or deleted")
	ErrChainExists         = errors.New("chain: approval already has a chain")
	ErrStepNotFound        = errors.New("chain: step not found")
)

// ChainStore persists chain templates and per-approval step instances. It
// shares the database handle with the approval store.
type ChainStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewChainStore creates a chain store over an open database handle.
func NewChainStore(db *sql.DB) *ChainStore {
	return &ChainStore{db: db, now: time.Now}
}

// SetClock overrides the store's time source. Tests only.
func (s *ChainStore) SetClock(now func() time.Time) {
	s.now = now
}

// EnsureDefaultTemplate installs the built-in single-step admin template when
// absent. Run at startup before serving traffic.
func (s *ChainStore) EnsureDefaultTemplate(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_templates WHERE id = $1`, DefaultTemplateID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check default template: %w", err)
	}
	if count > 0 {
		return nil
	}

	_, err = s.insertTemplate(ctx, TemplateInput{
		ID:          DefaultTemplateID,
		Name:        "Default approval",
		Description: "Single-step final approval by an administrator",
		Steps:       []ChainTemplateStep{{Order: 0, RequiredRole: "admin", Label: "Final approval"}},
	}, true)
	return err
}

// CreateTemplate validates and persists a new template. The multiset of step
// orders must be exactly {0..K-1}; gaps fail with ErrNonSequentialOrders.
func (s *ChainStore) CreateTemplate(ctx context.Context, input TemplateInput) (*ChainTemplate, error) {
	if err := validateTemplateSteps(input.Steps); err != nil {
		return nil, err
	}
	return s.insertTemplate(ctx, input, false)
}

func (s *ChainStore) insertTemplate(ctx context.Context, input TemplateInput, isDefault bool) (*ChainTemplate, error) {
	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	steps := append([]ChainTemplateStep{}, input.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin template insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := s.now().UTC()
	defaultFlag := 0
	if isDefault {
		defaultFlag = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chain_templates (id, name, description, is_default, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, input.Name, input.Description, defaultFlag, formatTime(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert template: %w", err)
	}

	for position, step := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chain_template_steps (template_id, step_order, required_role, label, position)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, step.Order, step.RequiredRole, step.Label, position,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert template step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit template: %w", err)
	}

	return &ChainTemplate{
		ID:          id,
		Name:        input.Name,
		Description: input.Description,
		IsDefault:   isDefault,
		Steps:       steps,
		CreatedAt:   createdAt,
	}, nil
}

// GetTemplate returns a template with its steps, or ErrTemplateNotFound.
func (s *ChainStore) GetTemplate(ctx context.Context, id string) (*ChainTemplate, error) {
	var (
		tmpl        ChainTemplate
		defaultFlag int
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, is_default, created_at FROM chain_templates WHERE id = $1`, id,
	).Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &defaultFlag, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	tmpl.IsDefault = defaultFlag != 0
	tmpl.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_order, required_role, label FROM chain_template_steps
		 WHERE template_id = $1 ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get template steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var step ChainTemplateStep
		if err := rows.Scan(&step.Order, &step.RequiredRole, &step.Label); err != nil {
			return nil, fmt.Errorf("failed to scan template step: %w", err)
		}
		tmpl.Steps = append(tmpl.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate template steps: %w", err)
	}

	return &tmpl, nil
}

// ListTemplates returns every template, default first then by name.
func (s *ChainStore) ListTemplates(ctx context.Context) ([]*ChainTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chain_templates ORDER BY is_default DESC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan template id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate templates: %w", err)
	}

	templates := make([]*ChainTemplate, 0, len(ids))
	for _, id := range ids {
		tmpl, err := s.GetTemplate(ctx, id)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// UpdateTemplate replaces a template's metadata and steps. The default
// template is immutable.
func (s *ChainStore) UpdateTemplate(ctx context.Context, id string, input TemplateInput) (*ChainTemplate, error) {
	existing, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.IsDefault {
		return nil, ErrDefaultImmutable
	}
	if err := validateTemplateSteps(input.Steps); err != nil {
		return nil, err
	}

	steps := append([]ChainTemplateStep{}, input.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin template update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE chain_templates SET name = $1, description = $2 WHERE id = $3`,
		input.Name, input.Description, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM chain_template_steps WHERE template_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to clear template steps: %w", err)
	}
	for position, step := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chain_template_steps (template_id, step_order, required_role, label, position)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, step.Order, step.RequiredRole, step.Label, position,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert template step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit template update: %w", err)
	}

	return s.GetTemplate(ctx, id)
}

// DeleteTemplate removes a template. The default template and templates
// referenced by an undecided chain are protected.
func (s *ChainStore) DeleteTemplate(ctx context.Context, id string) error {
	existing, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsDefault {
		return ErrDefaultImmutable
	}

	var inUse int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_steps WHERE template_id = $1 AND status IN ($2, $3)`,
		id, string(StepPending), string(StepActive),
	).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("failed to check template references: %w", err)
	}
	if inUse > 0 {
		return ErrTemplateInUse
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin template delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_template_steps WHERE template_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete template steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_templates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return tx.Commit()
}

// CreateChainForApproval materializes one chain step per template step.
// Every step at order 0 starts active; later orders start pending.
func (s *ChainStore) CreateChainForApproval(ctx context.Context, approvalID, templateID string) ([]*ChainStep, error) {
	if templateID == "" {
		templateID = DefaultTemplateID
	}

	tmpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	existing, err := s.GetStepsForApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrChainExists
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin chain creation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := s.now().UTC()
	steps := make([]*ChainStep, 0, len(tmpl.Steps))
	for _, tstep := range tmpl.Steps {
		status := StepPending
		if tstep.Order == 0 {
			status = StepActive
		}
		step := &ChainStep{
			ID:           uuid.New().String(),
			ApprovalID:   approvalID,
			TemplateID:   templateID,
			StepOrder:    tstep.Order,
			RequiredRole: tstep.RequiredRole,
			Label:        tstep.Label,
			Status:       status,
			CreatedAt:    createdAt,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chain_steps (id, approval_id, template_id, step_order, required_role, label, status, decider_id, decider_note, decided_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			step.ID, step.ApprovalID, step.TemplateID, step.StepOrder,
			step.RequiredRole, step.Label, string(step.Status), "", "", "", formatTime(createdAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert chain step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chain creation: %w", err)
	}
	return steps, nil
}

const chainStepColumns = `id, approval_id, template_id, step_order, required_role, label,
	status, decider_id, decider_note, decided_at, created_at`

// GetStepsForApproval returns the chain ordered by step_order ascending, or
// an empty slice when the approval has no chain (legacy approvals).
func (s *ChainStore) GetStepsForApproval(ctx context.Context, approvalID string) ([]*ChainStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chainStepColumns+` FROM chain_steps
		 WHERE approval_id = $1 ORDER BY step_order ASC, created_at ASC, id ASC`, approvalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*ChainStep
	for rows.Next() {
		step, err := scanChainStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chain steps: %w", err)
	}
	return steps, nil
}

// GetStep returns one step or ErrStepNotFound.
func (s *ChainStore) GetStep(ctx context.Context, stepID string) (*ChainStep, error) {
	step, err := scanChainStep(s.db.QueryRowContext(ctx,
		`SELECT `+chainStepColumns+` FROM chain_steps WHERE id = $1`, stepID,
	))
	if err == sql.ErrNoRows {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

// GetActiveStep returns the first active step of an approval, or nil.
func (s *ChainStore) GetActiveStep(ctx context.Context, approvalID string) (*ChainStep, error) {
	steps, err := s.GetActiveSteps(ctx, approvalID)
	if err != nil || len(steps) == 0 {
		return nil, err
	}
	return steps[0], nil
}

// GetActiveSteps returns every active step of the current order-group.
func (s *ChainStore) GetActiveSteps(ctx context.Context, approvalID string) ([]*ChainStep, error) {
	steps, err := s.GetStepsForApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	var active []*ChainStep
	for _, step := range steps {
		if step.Status == StepActive {
			active = append(active, step)
		}
	}
	return active, nil
}

// CountActiveSteps returns the global number of active chain steps.
func (s *ChainStore) CountActiveSteps(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_steps WHERE status = $1`, string(StepActive),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active steps: %w", err)
	}
	return count, nil
}

// GetChainProgress summarizes a chain. Returns nil when no chain exists.
func (s *ChainStore) GetChainProgress(ctx context.Context, approvalID string) (*ChainProgress, error) {
	steps, err := s.GetStepsForApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}

	progress := &ChainProgress{
		Total:       len(steps),
		AllApproved: true,
		TemplateID:  steps[0].TemplateID,
	}
	for _, step := range steps {
		if step.Status.Terminal() {
			progress.Completed++
		}
		if step.Status != StepApproved {
			progress.AllApproved = false
		}
		if step.Status == StepRejected {
			progress.Rejected = true
		}
		if step.Status == StepActive {
			if progress.CurrentStep == nil {
				progress.CurrentStep = step
			}
			progress.CurrentSteps = append(progress.CurrentSteps, step)
		}
	}

	tmpl, err := s.GetTemplate(ctx, progress.TemplateID)
	if err == nil {
		progress.TemplateName = tmpl.Name
	} else if !errors.Is(err, ErrTemplateNotFound) {
		return nil, err
	}

	return progress, nil
}

// DecideStep applies one reviewer decision. Returns nil when the step is
// missing or not active; the row-level conditional update means at most one
// decider per step ever sees a non-nil result.
//
// An approval leaves its whole order-group active until the last sibling
// terminates; activating the next group rides the same transaction as that
// final approval. A rejection skips every remaining undecided step.
func (s *ChainStore) DecideStep(ctx context.Context, input DecideStepInput) (*StepDecision, error) {
	if input.Status != StepApproved && input.Status != StepRejected {
		return nil, fmt.Errorf("invalid step decision %q", input.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin step decision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE chain_steps
		 SET status = $1, decider_id = $2, decider_note = $3, decided_at = $4
		 WHERE id = $5 AND status = $6`,
		string(input.Status), input.DeciderID, input.Note, formatTime(now),
		input.StepID, string(StepActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read step decision result: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	step, err := scanChainStep(tx.QueryRowContext(ctx,
		`SELECT `+chainStepColumns+` FROM chain_steps WHERE id = $1`, input.StepID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to reload decided step: %w", err)
	}

	decision := &StepDecision{Step: step}

	if input.Status == StepRejected {
		decision.Rejected = true
		_, err = tx.ExecContext(ctx,
			`UPDATE chain_steps SET status = $1
			 WHERE approval_id = $2 AND status IN ($3, $4)`,
			string(StepSkipped), step.ApprovalID, string(StepActive), string(StepPending),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to skip remaining steps: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit step rejection: %w", err)
		}
		return decision, nil
	}

	// Approved: the group advances only when no sibling is still active.
	var activeSiblings int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_steps
		 WHERE approval_id = $1 AND step_order = $2 AND status = $3`,
		step.ApprovalID, step.StepOrder, string(StepActive),
	).Scan(&activeSiblings)
	if err != nil {
		return nil, fmt.Errorf("failed to count active siblings: %w", err)
	}

	if activeSiblings == 0 {
		var nextOrder sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MIN(step_order) FROM chain_steps
			 WHERE approval_id = $1 AND status = $2`,
			step.ApprovalID, string(StepPending),
		).Scan(&nextOrder)
		if err != nil {
			return nil, fmt.Errorf("failed to find next order-group: %w", err)
		}

		if nextOrder.Valid {
			_, err = tx.ExecContext(ctx,
				`UPDATE chain_steps SET status = $1
				 WHERE approval_id = $2 AND step_order = $3 AND status = $4`,
				string(StepActive), step.ApprovalID, nextOrder.Int64, string(StepPending),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to activate next order-group: %w", err)
			}
			decision.Advanced = true
		} else {
			decision.AllApproved = true
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step decision: %w", err)
	}
	return decision, nil
}

func scanChainStep(row rowScanner) (*ChainStep, error) {
	var (
		step      ChainStep
		status    string
		decidedAt string
		createdAt string
	)
	err := row.Scan(
		&step.ID, &step.ApprovalID, &step.TemplateID, &step.StepOrder,
		&step.RequiredRole, &step.Label, &status,
		&step.DeciderID, &step.DeciderNote, &decidedAt, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan chain step: %w", err)
	}
	step.Status = StepStatus(status)
	step.DecidedAt = parseTimePtr(decidedAt)
	step.CreatedAt = parseTime(createdAt)
	return &step, nil
}

// validateTemplateSteps enforces the contiguous-orders invariant: the multiset
// of orders must cover {0..K-1} with K >= 1. Duplicates are parallel steps.
func validateTemplateSteps(steps []ChainTemplateStep) error {
	if len(steps) == 0 {
		return ErrNonSequentialOrders
	}
	seen := make(map[int]bool)
	maxOrder := 0
	for _, step := range steps {
		if step.Order < 0 {
			return ErrNonSequentialOrders
		}
		seen[step.Order] = true
		if step.Order > maxOrder {
			maxOrder = step.Order
		}
	}
	for order := 0; order <= maxOrder; order++ {
		if !seen[order] {
			return ErrNonSequentialOrders
		}
	}
	return nil
}
