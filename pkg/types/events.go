package types

// Envelope wraps every event published on a session bus. Seq is
// assigned by the bus and is strictly monotonic per session, starting
// at 1.
type Envelope struct {
	Event   string `json:"event"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload"`
}

// Server-to-client event names. These strings are part of the external
// wire contract and must not change.
const (
	EventConnected           = "connected"
	EventAudioStartAck       = "audio_start_ack"
	EventAudioIngestOK       = "audio_ingest_ok"
	EventAudioIngestStatus   = "audio_ingest_status"
	EventTranscriptRecord    = "transcript_record_ready"
	EventTranscriptLegacy    = "transcript_event"
	EventSlideChange         = "slide_change_event"
	EventCapturedFrame       = "captured_frame_ready"
	EventRecapWindow         = "recap_window_ready"
	EventStateLegacy         = "state"
	EventToolCallProposal    = "tool_call_proposal"
	EventQnaAnswer           = "qna_answer"
	EventError               = "error"
	EventSessionControlAck   = "session_control_ack"
	EventROIUpdated          = "roi_updated"
	EventAudioFormatMismatch = "audio_format_mismatch"
)

// Client-to-server event names accepted on the multiplexed realtime-av
// channel.
const (
	EventSessionControl = "session_control"
	EventAudioChunk     = "audio_chunk"
	EventVideoFrameMeta = "video_frame_meta"
	EventUserQuery      = "user_query"
	EventApproveTool    = "approve_tool_call"
)

// Direct per-connection acknowledgements. These are sent on the
// connection that carried the request, not on the session bus.
const (
	EventAudioChunkAck      = "audio_chunk_ack"
	EventVideoFrameAck      = "video_frame_ack"
	EventUserQueryAck       = "user_query_ack"
	EventApproveToolAck     = "approve_tool_call_ack"
	EventSessionControlRecv = "session_control_received"
	EventIngestAck          = "ingest_ack"
)

// Error codes carried in error events. Validation-class codes never
// close the connection.
const (
	ErrCodeInvalidJSON      = "invalid_json"
	ErrCodeValidation       = "validation_error"
	ErrCodeUnsupportedEvent = "unsupported_event"
	ErrCodeServerError      = "server_error"
	ErrCodeBatchASRFailed   = "batch_asr_failed"
)

// ErrorPayload is the payload of an error event. ExpectedAudio is set
// only on audio_start format rejections.
type ErrorPayload struct {
	Code          string       `json:"code"`
	Message       string       `json:"message"`
	RecordID      int64        `json:"record_id,omitempty"`
	ExpectedAudio *AudioFormat `json:"expected_audio,omitempty"`
}

// TranscriptRecord is the transcript_record_ready payload: one finished
// audio record with its normalized segments. Replay marks records
// re-sent from storage on frontend reconnect.
type TranscriptRecord struct {
	RecordID        int64               `json:"record_id"`
	RecordStartTsMs int64               `json:"record_start_ts_ms"`
	RecordEndTsMs   int64               `json:"record_end_ts_ms"`
	Segments        []TranscriptSegment `json:"segments"`
	AsrError        string              `json:"asr_error,omitempty"`
	Replay          bool                `json:"replay,omitempty"`
}
