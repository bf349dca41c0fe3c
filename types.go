package macrostep

import (
	"github.com/jward/macrostep/internal/source"
	"github.com/jward/macrostep/internal/store"
)

// Public type aliases for internal types used in the Engine API.
// These are Go type aliases (=), identical to the internal types at compile
// time. External consumers use these names; no conversion is needed.

type Store = store.Store
type BlobRef = store.BlobRef
type ExpansionRecord = store.ExpansionRecord
type RecoveryReport = store.RecoveryReport
type ContentStore = store.ContentStore
type BatchTx = store.BatchTx
type Index = store.Index

type Invocation = source.Invocation
type Definition = source.Definition
type Rule = source.Rule
