package pipeline

// Worker names, one endpoint per stage. Retry policies are keyed by these.
const (
	WorkerExtractAudio      = "extract_audio"
	WorkerChunkAudio        = "chunk_audio"
	WorkerDiarizeChunk      = "diarize_chunk"
	WorkerMergeSpeakers     = "merge_speakers"
	WorkerSplitBySpeaker    = "split_by_speaker"
	WorkerTranscribeSegment = "transcribe_segment"
	WorkerAggregateResults  = "aggregate_results"
	WorkerLLMAnalysis       = "llm_analysis"
)

// State names of the backbone
const (
	StateExtractAudio       = "ExtractAudio"
	StateChunkAudio         = "ChunkAudio"
	StateDiarizeChunks      = "DiarizeChunks"
	StateMergeSpeakers      = "MergeSpeakers"
	StateSplitBySpeaker     = "SplitBySpeaker"
	StateTranscribeSegments = "TranscribeSegments"
	StateAggregateResults   = "AggregateResults"
	StateLLMAnalysis        = "LLMAnalysis"
)

// Stage is one step of the backbone
type Stage struct {
	Name     string
	Worker   string
	Step     string // written to Job.CurrentStep on entry
	Progress int    // written to Job.Progress on entry
	Map      *MapSpec
}

// MapSpec turns a stage into a fan-out over a list in the context
type MapSpec struct {
	ItemsKey string   // context list to fan out over
	ItemKey  string   // item is passed to the worker under this key
	IndexKey string   // item position is passed under this key
	Carry    []string // context fields copied into every item input

	// ResultKey receives the results in item order. Empty discards them;
	// the workers persist their own output.
	ResultKey string

	Concurrency int
}

func buildStages(o Options) []Stage {
	return []Stage{
		{Name: StateExtractAudio, Worker: WorkerExtractAudio, Step: "extracting_audio", Progress: 5},
		{Name: StateChunkAudio, Worker: WorkerChunkAudio, Step: "chunking_audio", Progress: 15},
		{
			Name: StateDiarizeChunks, Worker: WorkerDiarizeChunk, Step: "diarizing_chunks", Progress: 25,
			Map: &MapSpec{
				ItemsKey:    "chunks",
				ItemKey:     "chunk",
				IndexKey:    "chunk_index",
				Carry:       []string{"bucket", "job_id", "audio_key"},
				ResultKey:   "chunk_results",
				Concurrency: o.DiarizeConcurrency,
			},
		},
		{Name: StateMergeSpeakers, Worker: WorkerMergeSpeakers, Step: "merging_speakers", Progress: 45},
		{Name: StateSplitBySpeaker, Worker: WorkerSplitBySpeaker, Step: "splitting_by_speaker", Progress: 50},
		{
			Name: StateTranscribeSegments, Worker: WorkerTranscribeSegment, Step: "transcribing", Progress: 55,
			Map: &MapSpec{
				ItemsKey:    "segment_files",
				ItemKey:     "segment_file",
				IndexKey:    "segment_index",
				Carry:       []string{"bucket", "job_id"},
				Concurrency: o.TranscribeConcurrency,
			},
		},
		{Name: StateAggregateResults, Worker: WorkerAggregateResults, Step: "aggregating_results", Progress: 80},
		{Name: StateLLMAnalysis, Worker: WorkerLLMAnalysis, Step: "analyzing", Progress: 90},
	}
}
