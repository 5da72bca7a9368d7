package experiment

import "time"

// VariantType distinguishes the control arm from experimental arms.
type VariantType string

const (
	VariantControl      VariantType = "CONTROL"
	VariantExperimental VariantType = "EXPERIMENTAL"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "INPROGRESS"
	StatusConcluded  Status = "CONCLUDED"
)

// Variant is one arm of an experiment.
type Variant struct {
	ID          string      `json:"id"`
	VariantType VariantType `json:"variant_type"`
	ContextID   *string     `json:"context_id,omitempty"`
	OverrideID  *string     `json:"override_id,omitempty"`
	Overrides   any         `json:"overrides"`
}

// Experiment mirrors the experimentation platform's API representation.
type Experiment struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	LastModified time.Time `json:"last_modified"`

	Name              string    `json:"name"`
	OverrideKeys      []string  `json:"override_keys"`
	Status            Status    `json:"status"`
	TrafficPercentage int       `json:"traffic_percentage"`
	Context           any       `json:"context"`
	Variants          []Variant `json:"variants"`
	ChosenVariant     *string   `json:"chosen_variant,omitempty"`
}

// Running reports whether the experiment still assigns traffic.
func (e Experiment) Running() bool {
	return e.Status == StatusCreated || e.Status == StatusInProgress
}

type listResponse struct {
	TotalItems int64        `json:"total_items"`
	TotalPages int64        `json:"total_pages"`
	Data       []Experiment `json:"data"`
}
