package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the encoded form of a checkpoint as the backends persist it.
type Record struct {
	ThreadID  string
	ID        string
	ParentID  string
	NodeName  string
	State     []byte
	Metadata  []byte
	CreatedAt time.Time
	Version   int
}

// WriteRecord is the encoded form of a PendingWrite. Seq keeps writes in
// the order they were appended.
type WriteRecord struct {
	TaskID  string
	Channel string
	Seq     int
	Value   []byte
}

// Encode serializes cp with s. cp must already have been through Prepare.
func Encode(s Serializer, cp *Checkpoint) (*Record, error) {
	state, err := SerializerOrDefault(s).Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return &Record{
		ThreadID:  cp.ThreadID,
		ID:        cp.ID,
		ParentID:  cp.ParentID,
		NodeName:  cp.NodeName,
		State:     state,
		Metadata:  metadata,
		CreatedAt: cp.CreatedAt.UTC(),
		Version:   cp.Version,
	}, nil
}

// Decode rebuilds the checkpoint held by r.
func (r *Record) Decode(s Serializer) (*Checkpoint, error) {
	state, err := SerializerOrDefault(s).Unmarshal(r.State)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp := &Checkpoint{
		ThreadID:  r.ThreadID,
		ID:        r.ID,
		ParentID:  r.ParentID,
		NodeName:  r.NodeName,
		State:     state,
		CreatedAt: r.CreatedAt.UTC(),
		Version:   r.Version,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	return cp, nil
}

// EncodeWrites serializes writes, numbering them from start.
func EncodeWrites(s Serializer, writes []PendingWrite, start int) ([]WriteRecord, error) {
	s = SerializerOrDefault(s)
	out := make([]WriteRecord, 0, len(writes))
	for i, w := range writes {
		value, err := s.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		out = append(out, WriteRecord{TaskID: w.TaskID, Channel: w.Channel, Seq: start + i, Value: value})
	}
	return out, nil
}

// DecodeWrites is the inverse of EncodeWrites. recs must be ordered by Seq.
func DecodeWrites(s Serializer, recs []WriteRecord) ([]PendingWrite, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	s = SerializerOrDefault(s)
	out := make([]PendingWrite, 0, len(recs))
	for _, rec := range recs {
		value, err := s.Unmarshal(rec.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal write %s/%s: %w", rec.TaskID, rec.Channel, err)
		}
		out = append(out, PendingWrite{TaskID: rec.TaskID, Channel: rec.Channel, Value: value})
	}
	return out, nil
}
