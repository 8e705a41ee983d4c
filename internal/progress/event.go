// Package progress defines the event structures emitted by task pipelines.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the observer-facing event.
type Stage string

// Supported progress stages. The string values are the wire names observers
// subscribe to.
const (
	StageBatchStart    Stage = "batch-start"
	StageItemResult    Stage = "item-result"
	StageBatchFinished Stage = "batch-finished"

	StagePageStart   Stage = "page-start"
	StagePageSuccess Stage = "page-success"
	StagePageFailed  Stage = "page-failed"

	StageUpdateStart      Stage = "update-start"
	StageUpdateItemResult Stage = "update-item-result"
	StageUpdateFinished   Stage = "update-finished"

	StageSubmitStart      Stage = "submit-start"
	StageSubmitItemStart  Stage = "submit-item-start"
	StageSubmitItemResult Stage = "submit-item-result"
	StageSubmitFinished   Stage = "submit-finished"

	StageIdolStart    Stage = "idol-start"
	StageIdolProgress Stage = "idol-progress"
	StageIdolComplete Stage = "idol-complete"
	StageIdolFailed   Stage = "idol-failed"

	StagePullStart    Stage = "record-pull-start"
	StagePullProgress Stage = "record-pull-progress"
	StagePullComplete Stage = "record-pull-complete"
	StagePullFailed   Stage = "record-pull-failed"
)

// ItemStatus is the per-item outcome carried by result events.
type ItemStatus string

// Per-item outcomes.
const (
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemExist   ItemStatus = "exist"
)

// Event captures a single milestone of task progress.
type Event struct {
	// TaskID uniquely identifies the task run using the 16-byte UUID form.
	TaskID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Code is the identifier an item event refers to.
	Code string
	// Page is the page name for page events (e.g. "page/3").
	Page string
	// Status is the per-item outcome for result events.
	Status ItemStatus
	// Message is human-readable detail (error text for failures).
	Message string
	// Counters used by start, progress, and finished events.
	SuccessCount int
	ErrorCount   int
	TotalCount   int
	Processed    int
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageItemResult, StageUpdateItemResult, StageSubmitItemResult:
		if e.Code == "" {
			return fmt.Errorf("%s requires code", e.Stage)
		}
		if e.Status == "" {
			return fmt.Errorf("%s requires status", e.Stage)
		}
	case StageSubmitItemStart:
		if e.Code == "" {
			return errors.New("submit-item-start requires code")
		}
	case StagePageStart, StagePageSuccess, StagePageFailed:
		if e.Page == "" {
			return fmt.Errorf("%s requires page", e.Stage)
		}
	case StageBatchStart, StageBatchFinished,
		StageUpdateStart, StageUpdateFinished,
		StageSubmitStart, StageSubmitFinished,
		StageIdolStart, StageIdolProgress, StageIdolComplete, StageIdolFailed,
		StagePullStart, StagePullProgress, StagePullComplete, StagePullFailed:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.SuccessCount < 0 || e.ErrorCount < 0 || e.TotalCount < 0 || e.Processed < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// Finished reports whether the stage closes a task's event stream.
func (s Stage) Finished() bool {
	switch s {
	case StageBatchFinished, StageUpdateFinished, StageSubmitFinished,
		StageIdolComplete, StageIdolFailed, StagePullComplete, StagePullFailed:
		return true
	default:
		return false
	}
}

// Started reports whether the stage opens a task's event stream.
func (s Stage) Started() bool {
	switch s {
	case StageBatchStart, StageUpdateStart, StageSubmitStart, StageIdolStart, StagePullStart:
		return true
	default:
		return false
	}
}

// TaskUUID converts the binary task ID to uuid.UUID for repositories.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseTaskID decodes a textual task ID into the Event form.
func ParseTaskID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse task id: %w", err)
	}
	return UUIDToBytes(parsed), nil
}
