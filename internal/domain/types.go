package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Metadata is an opaque key-value payload attached to jobs, steps and
// data references. It is stored as-is and never interpreted by the core.
type Metadata map[string]any

// RefType classifies the data artifact a DataReference points at.
type RefType string

const (
	RefTable  RefType = "table"
	RefFile   RefType = "file"
	RefStream RefType = "stream"
	RefModel  RefType = "model"
	RefAPI    RefType = "api"
)

func ParseRefType(value string) (RefType, error) {
	switch RefType(strings.TrimSpace(value)) {
	case RefTable:
		return RefTable, nil
	case RefFile:
		return RefFile, nil
	case RefStream:
		return RefStream, nil
	case RefModel:
		return RefModel, nil
	case RefAPI:
		return RefAPI, nil
	}
	return "", fmt.Errorf("unknown ref type: %q", value)
}

// DataReference records one data artifact read or written by a step.
// References are immutable once appended to a step.
type DataReference struct {
	RefType  RefType  `json:"ref_type"`
	Location string   `json:"location"`
	Format   string   `json:"format,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func (r DataReference) Validate() error {
	if _, err := ParseRefType(string(r.RefType)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Location) == "" {
		return errors.New("reference location is required")
	}
	return nil
}

// Equal reports structural equality of all fields, including metadata.
// This is the dedup key for append-only reference sequences.
func (r DataReference) Equal(other DataReference) bool {
	if r.RefType != other.RefType || r.Location != other.Location || r.Format != other.Format {
		return false
	}
	if len(r.Metadata) == 0 && len(other.Metadata) == 0 {
		return true
	}
	return reflect.DeepEqual(r.Metadata, other.Metadata)
}

// ExecType classifies what a step actually executed.
type ExecType string

const (
	ExecSQL         ExecType = "sql"
	ExecScript      ExecType = "scripted-code"
	ExecCompute     ExecType = "distributed-compute"
	ExecTraining    ExecType = "ml-training"
	ExecDeclarative ExecType = "declarative-transform"
	ExecRemoteCall  ExecType = "remote-call"
)

func ParseExecType(value string) (ExecType, error) {
	switch ExecType(strings.TrimSpace(value)) {
	case ExecSQL:
		return ExecSQL, nil
	case ExecScript:
		return ExecScript, nil
	case ExecCompute:
		return ExecCompute, nil
	case ExecTraining:
		return ExecTraining, nil
	case ExecDeclarative:
		return ExecDeclarative, nil
	case ExecRemoteCall:
		return ExecRemoteCall, nil
	}
	return "", fmt.Errorf("unknown execution type: %q", value)
}

// ExecutionRecord records one unit of execution performed inside a step,
// e.g. the dialect and statements of a SQL run. Immutable once appended.
type ExecutionRecord struct {
	ExecType ExecType `json:"execution_type"`
	Details  Metadata `json:"details,omitempty"`
}

func (e ExecutionRecord) Validate() error {
	if _, err := ParseExecType(string(e.ExecType)); err != nil {
		return err
	}
	return nil
}

func (e ExecutionRecord) Equal(other ExecutionRecord) bool {
	if e.ExecType != other.ExecType {
		return false
	}
	if len(e.Details) == 0 && len(other.Details) == 0 {
		return true
	}
	return reflect.DeepEqual(e.Details, other.Details)
}

// SQLExecution builds an ExecutionRecord for a SQL run.
func SQLExecution(dialect string, statements []string) ExecutionRecord {
	return ExecutionRecord{
		ExecType: ExecSQL,
		Details: Metadata{
			"dialect":    dialect,
			"statements": statements,
		},
	}
}

// MergeDataReferences appends incoming references that are not already
// present, preserving order. The existing prefix is never reordered.
func MergeDataReferences(existing, incoming []DataReference) []DataReference {
	merged := existing
	for _, ref := range incoming {
		found := false
		for _, have := range merged {
			if have.Equal(ref) {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, ref)
		}
	}
	return merged
}

// MergeExecutionRecords appends incoming records that are not already
// present, preserving order.
func MergeExecutionRecords(existing, incoming []ExecutionRecord) []ExecutionRecord {
	merged := existing
	for _, rec := range incoming {
		found := false
		for _, have := range merged {
			if have.Equal(rec) {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, rec)
		}
	}
	return merged
}
