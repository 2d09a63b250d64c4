package worker

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/psantana5/media-pipeline/pkg/pipeline"
)

// Simulated stands in for the media workers. It performs no media work but
// returns payloads shaped and named like the real stages, so the pipeline
// can run end to end without remote workers.
type Simulated struct {
	// BytesPerSecond converts file_size to an audio duration
	BytesPerSecond float64
	// Speakers is the number of speakers every chunk reports
	Speakers int
	// Latency is slept before every invocation
	Latency time.Duration
}

// NewSimulated returns a simulated worker with 128 kbit/s audio and two speakers
func NewSimulated() *Simulated {
	return &Simulated{BytesPerSecond: 16000, Speakers: 2}
}

// Invoke implements pipeline.StageWorker
func (s *Simulated) Invoke(ctx context.Context, stage string, input pipeline.Payload) (pipeline.Payload, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch stage {
	case pipeline.WorkerExtractAudio:
		return s.extract(input)
	case pipeline.WorkerChunkAudio:
		return s.chunk(input)
	case pipeline.WorkerDiarizeChunk:
		return s.diarize(input)
	case pipeline.WorkerMergeSpeakers:
		return s.merge(input)
	case pipeline.WorkerSplitBySpeaker:
		return s.split(input)
	case pipeline.WorkerTranscribeSegment:
		return s.transcribe(input)
	case pipeline.WorkerAggregateResults:
		return s.aggregate(input)
	case pipeline.WorkerLLMAnalysis:
		return s.analyze(input)
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

func (s *Simulated) extract(in pipeline.Payload) (pipeline.Payload, error) {
	key := str(in, "video_key")
	if key == "" {
		return nil, fmt.Errorf("video_key is required")
	}
	return pipeline.Payload{
		"bucket":       outputBucket(in),
		"audio_key":    "processed/" + trimExt(key) + ".wav",
		"original_key": key,
	}, nil
}

func (s *Simulated) chunk(in pipeline.Payload) (pipeline.Payload, error) {
	audioKey := str(in, "audio_key")
	cfg, _ := in["chunk_config"].(map[string]any)
	chunkDur := num(cfg, "chunk_duration", 480)
	overlap := num(cfg, "overlap_duration", 30)
	minDur := num(cfg, "min_chunk_duration", 60)

	total := 60.0
	if size := num(in, "file_size", 0); size > 0 && s.BytesPerSecond > 0 {
		total = math.Max(1, math.Round(size/s.BytesPerSecond))
	}

	base := baseName(audioKey)
	step := chunkDur - overlap
	var chunks []any
	for pos, i := 0.0, 0; pos < total; pos, i = pos+step, i+1 {
		if total-pos < minDur && i > 0 {
			// Short tail: extend the previous chunk instead
			chunks[len(chunks)-1].(map[string]any)["effective_end"] = total
			break
		}
		end := math.Min(pos+chunkDur+overlap, total)
		chunks = append(chunks, map[string]any{
			"chunk_index":     i,
			"chunk_key":       fmt.Sprintf("chunks/%s_chunk_%02d.wav", base, i),
			"offset":          pos,
			"duration":        end - pos,
			"effective_start": pos,
			"effective_end":   math.Min(pos+chunkDur, total),
		})
	}

	return pipeline.Payload{
		"bucket":         outputBucket(in),
		"audio_key":      audioKey,
		"audio_duration": total,
		"chunks":         chunks,
		"total_chunks":   len(chunks),
		"chunk_config": map[string]any{
			"chunk_duration":   chunkDur,
			"overlap_duration": overlap,
		},
	}, nil
}

func (s *Simulated) diarize(in pipeline.Payload) (pipeline.Payload, error) {
	chunk, _ := in["chunk"].(map[string]any)
	key := str(chunk, "chunk_key")
	if key == "" {
		return nil, fmt.Errorf("chunk.chunk_key is required")
	}
	return pipeline.Payload{
		"chunk_index":   in["chunk_index"],
		"segments_key":  trimExt(key) + "_segments.json",
		"speaker_count": s.Speakers,
		"offset":        chunk["offset"],
	}, nil
}

func (s *Simulated) merge(in pipeline.Payload) (pipeline.Payload, error) {
	results, _ := in["chunk_results"].([]any)
	audioKey := str(in, "audio_key")
	return pipeline.Payload{
		"bucket":        outputBucket(in),
		"audio_key":     audioKey,
		"segments_key":  trimExt(audioKey) + "_segments.json",
		"speaker_count": s.Speakers,
		"merged_chunks": len(results),
	}, nil
}

func (s *Simulated) split(in pipeline.Payload) (pipeline.Payload, error) {
	audioKey := str(in, "audio_key")
	base := baseName(audioKey)
	total := num(in, "audio_duration", 60)

	// One turn every 30 seconds, alternating speakers
	const turn = 30.0
	var files []any
	for i, start := 0, 0.0; start < total; i, start = i+1, start+turn {
		speaker := fmt.Sprintf("SPEAKER_%02d", i%max(1, s.Speakers))
		files = append(files, map[string]any{
			"key":     fmt.Sprintf("segments/%s_%04d_%s.wav", base, i, speaker),
			"speaker": speaker,
			"start":   start,
			"end":     math.Min(start+turn, total),
		})
	}
	return pipeline.Payload{"bucket": outputBucket(in), "segment_files": files}, nil
}

func (s *Simulated) transcribe(in pipeline.Payload) (pipeline.Payload, error) {
	seg, _ := in["segment_file"].(map[string]any)
	key := str(seg, "key")
	if key == "" {
		return nil, fmt.Errorf("segment_file.key is required")
	}
	return pipeline.Payload{
		"speaker": seg["speaker"],
		"start":   seg["start"],
		"end":     seg["end"],
		"text":    "",
	}, nil
}

func (s *Simulated) aggregate(in pipeline.Payload) (pipeline.Payload, error) {
	files, _ := in["segment_files"].([]any)
	return pipeline.Payload{
		"bucket":         outputBucket(in),
		"transcript_key": "transcripts/" + baseName(str(in, "audio_key")) + "_transcript.json",
		"segment_count":  len(files),
	}, nil
}

func (s *Simulated) analyze(in pipeline.Payload) (pipeline.Payload, error) {
	tk := str(in, "transcript_key")
	if tk == "" {
		return nil, fmt.Errorf("transcript_key is required")
	}
	base := strings.TrimSuffix(baseName(tk), "_transcript")
	return pipeline.Payload{
		"bucket":         outputBucket(in),
		"analysis_key":   "analysis/" + base + "_structured.json",
		"transcript_key": tk,
		"total_score":    0,
		"status":         "completed",
	}, nil
}

func outputBucket(in pipeline.Payload) string {
	if b := str(in, "output_bucket"); b != "" {
		return b
	}
	return str(in, "bucket")
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func trimExt(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

func baseName(key string) string {
	return trimExt(path.Base(key))
}
