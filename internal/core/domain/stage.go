package domain

import "fmt"

// Stage is the persisted ingestion state of a document. Values are wire-stable.
type Stage string

const (
	StageUploadInitiated       Stage = "UPLOAD_INITIATED"
	StageSourceValidated       Stage = "SOURCE_VALIDATED"
	StageRawFileUploaded       Stage = "RAW_FILE_UPLOADED"
	StageJobQueued             Stage = "JOB_QUEUED"
	StageProcessingStarted     Stage = "PROCESSING_STARTED"
	StageMDConversionCompleted Stage = "MD_CONVERSION_COMPLETED"
	StageMDFileSaved           Stage = "MD_FILE_SAVED"
	StageChunkingCompleted     Stage = "CHUNKING_COMPLETED"
	StageEmbeddingsGenerated   Stage = "EMBEDDINGS_GENERATED"
	StageMDLoadedInVectorDB    Stage = "MD_LOADED_IN_VECTORDB"
	StageComplete              Stage = "PROCESSING_COMPLETE"

	StageErrorProcessing   Stage = "ERROR_PROCESSING"
	StageDuplicateRejected Stage = "DUPLICATE_REJECTED"
	StageSourceAccessError Stage = "SOURCE_ACCESS_ERROR"
)

var pipelineOrder = []Stage{
	StageUploadInitiated,
	StageSourceValidated,
	StageRawFileUploaded,
	StageJobQueued,
	StageProcessingStarted,
	StageMDConversionCompleted,
	StageMDFileSaved,
	StageChunkingCompleted,
	StageEmbeddingsGenerated,
	StageMDLoadedInVectorDB,
	StageComplete,
}

var stageRank = func() map[Stage]int {
	out := make(map[Stage]int, len(pipelineOrder))
	for i, s := range pipelineOrder {
		out[s] = i
	}
	return out
}()

// PipelineStages returns the forward stages in order.
func PipelineStages() []Stage {
	out := make([]Stage, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if _, ok := stageRank[s]; ok || s.IsSideExit() {
		return s, nil
	}
	return "", WrapError(ErrInvalidInput, "parse stage", fmt.Errorf("unknown stage %q", raw))
}

func (s Stage) IsSideExit() bool {
	switch s {
	case StageErrorProcessing, StageDuplicateRejected, StageSourceAccessError:
		return true
	default:
		return false
	}
}

func (s Stage) IsTerminal() bool {
	return s == StageComplete || s.IsSideExit()
}

// Rank is the position on the forward path, or -1 for side exits and unknown values.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Reached reports whether a document in stage s has already passed target.
// Terminal documents have passed everything.
func (s Stage) Reached(target Stage) bool {
	if s.IsTerminal() {
		return true
	}
	return s.Rank() >= target.Rank() && target.Rank() >= 0
}

// CanAdvance reports whether from -> to is a legal transition.
func CanAdvance(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsSideExit() {
		return true
	}
	return to.Rank() > from.Rank() && from.Rank() >= 0
}
