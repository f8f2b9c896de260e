package domain

import "time"

const (
	AssetStatePending = "pending"
	AssetStateReady   = "ready"
)

// Asset is one stored image under a hierarchical path. Sequence increases
// monotonically per path.
type Asset struct {
	ID         string
	Path       string
	Sequence   int64
	AltText    string
	Labels     []string
	Tags       []string
	State      string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

type Attributes struct {
	Width       int
	Height      int
	Format      string
	Orientation int
	Pages       int
	LoopCount   int
	HasAlpha    bool
}

// LQIPSet maps an LQIP algorithm name to its encoded payload.
type LQIPSet map[string]string

// Variant with a nil UploadedAt must never be handed to a caller.
type Variant struct {
	ID                string
	AssetID           string
	Width             int
	Height            int
	Format            string
	Orientation       int
	Pages             int
	LoopCount         int
	Transformation    Transformation
	TransformationKey string
	Bucket            string
	ObjectKey         string
	LQIP              LQIPSet
	UploadedAt        *time.Time
	IsOriginal        bool
	CreatedAt         time.Time
}

func (v Variant) Attributes() Attributes {
	return Attributes{
		Width:       v.Width,
		Height:      v.Height,
		Format:      v.Format,
		Orientation: v.Orientation,
		Pages:       v.Pages,
		LoopCount:   v.LoopCount,
	}
}

const (
	OutboxEventReapVariant    = "REAP_VARIANT"
	OutboxEventVariantDeleted = "VARIANT_DELETED"
)

// OutboxEvent is inserted in the same transaction as the row deletion it
// follows from.
type OutboxEvent struct {
	ID        string
	EventType string
	Payload   ReapPayload
	CreatedAt time.Time
}

type ReapPayload struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	VariantID string `json:"variant_id,omitempty"`
}
