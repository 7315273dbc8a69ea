package model

// ChangeKind describes what happened to a package in the registry change log.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is one entry of the registry's ordered change log.
// Seq is strictly increasing within a log.
type ChangeEvent struct {
	Seq  int64
	Name string
	Kind ChangeKind
}
