// Package crdt implements the sequence CRDT used to merge concurrent document edits.
package crdt

import "errors"

var (
	// ErrMalformedUpdate indicates that an update or state vector could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrPositionOutOfRange indicates that a local edit addressed a position outside the document.
	ErrPositionOutOfRange = errors.New("crdt: position out of range")
)

// Doc is an in-memory replica that accepts binary updates.
type Doc interface {
	ApplyUpdate(update []byte) error
	// EncodeStateAsUpdate returns every change the holder of vector has not seen.
	// A nil vector returns the full state.
	EncodeStateAsUpdate(vector []byte) ([]byte, error)
	EncodeStateVector() []byte
	Text() string
}

// Engine creates replicas and merges update fragments.
type Engine interface {
	NewDoc() Doc
	MergeUpdates(updates ...[]byte) ([]byte, error)
}

// TextEngine is the production Engine backed by TextDoc.
type TextEngine struct{}

// NewTextEngine constructs the production engine.
func NewTextEngine() TextEngine {
	return TextEngine{}
}

// NewDoc returns an empty replica.
func (TextEngine) NewDoc() Doc {
	return NewTextDoc()
}

// MergeUpdates folds updates into one canonical update equivalent to applying all of them.
func (engine TextEngine) MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewTextDoc()
	for _, update := range updates {
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return doc.EncodeStateAsUpdate(nil)
}

// Validate applies update to a disposable replica and reports whether it decodes cleanly.
func Validate(engine Engine, update []byte) error {
	return engine.NewDoc().ApplyUpdate(update)
}

// Diff computes the update a replica at vector is missing relative to state.
func Diff(engine Engine, state []byte, vector []byte) ([]byte, error) {
	doc := engine.NewDoc()
	if err := doc.ApplyUpdate(state); err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(vector)
}

// Text renders the visible text of a state update.
func Text(engine Engine, state []byte) (string, error) {
	doc := engine.NewDoc()
	if err := doc.ApplyUpdate(state); err != nil {
		return "", err
	}
	return doc.Text(), nil
}
