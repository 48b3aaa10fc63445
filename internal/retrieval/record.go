package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an owner-scoped record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDimension is returned when an embedding does not have the configured length.
	ErrDimension = errors.New("embedding dimension mismatch")
)

// ValidationError reports a record or query that was rejected before it
// reached storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Record is a stored text unit with an optional embedding.
type Record struct {
	ID       string
	OwnerID  string
	Content  string
	Category string
	Metadata map[string]any

	// Embedding is nil until the embedding pipeline has processed the record.
	Embedding []float32
	// ContentHash identifies the current content.
	ContentHash string
	// EmbeddedHash is the ContentHash the embedding was computed from.
	EmbeddedHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCurrentEmbedding reports whether the stored embedding matches the current content.
func (r Record) HasCurrentEmbedding() bool {
	return len(r.Embedding) > 0 && r.EmbeddedHash != "" && r.EmbeddedHash == r.ContentHash
}

// ContentHash returns the hex sha256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Validate checks the structural invariants every store enforces.
// Category membership is checked by Categories.Resolve.
func (r Record) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Reason: "must not be blank"}
	}
	if strings.TrimSpace(r.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be blank"}
	}
	if strings.TrimSpace(r.Category) == "" {
		return &ValidationError{Field: "category", Reason: "must not be blank"}
	}
	if _, err := encodeMetadata(r.Metadata); err != nil {
		return err
	}
	return nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", &ValidationError{Field: "metadata", Reason: "not JSON encodable: " + err.Error()}
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Default category set.
const (
	CategoryPreference = "preference"
	CategoryBehavior   = "behavior"
	CategoryContext    = "context"
	CategoryFact       = "fact"
)

// Categories is the closed set of categories a deployment accepts.
type Categories struct {
	allowed  []string
	fallback string
}

// DefaultCategories returns preference|behavior|context|fact with "fact" as default.
func DefaultCategories() Categories {
	return Categories{
		allowed:  []string{CategoryPreference, CategoryBehavior, CategoryContext, CategoryFact},
		fallback: CategoryFact,
	}
}

// NewCategories builds a category set. def must be a member of allowed.
func NewCategories(allowed []string, def string) (Categories, error) {
	var clean []string
	for _, c := range allowed {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && !slices.Contains(clean, c) {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return Categories{}, errors.New("category set is empty")
	}
	def = strings.ToLower(strings.TrimSpace(def))
	if !slices.Contains(clean, def) {
		return Categories{}, fmt.Errorf("default category %q is not in %v", def, clean)
	}
	return Categories{allowed: clean, fallback: def}, nil
}

// Resolve maps an empty category to the default and rejects unknown ones.
func (c Categories) Resolve(category string) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return c.fallback, nil
	}
	if !slices.Contains(c.allowed, category) {
		return "", &ValidationError{
			Field:  "category",
			Reason: fmt.Sprintf("%q is not one of %s", category, strings.Join(c.allowed, ", ")),
		}
	}
	return category, nil
}

// List returns the allowed categories.
func (c Categories) List() []string {
	return slices.Clone(c.allowed)
}

// Default returns the category used when none is given.
func (c Categories) Default() string {
	return c.fallback
}
