package convai

// ── Protocol message types (incoming) ─────────────────────────────────────────

type inboundMessage struct {
	Type string `json:"type"`

	Ping         *pingEvent         `json:"ping_event,omitempty"`
	Audio        *audioEvent        `json:"audio_event,omitempty"`
	Interruption *interruptionEvent `json:"interruption_event,omitempty"`
	Metadata     *metadataEvent     `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscript    *userTranscriptEvent    `json:"user_transcription_event,omitempty"`
	AgentResponse     *agentResponseEvent     `json:"agent_response_event,omitempty"`
	AgentCorrection   *agentCorrectionEvent   `json:"agent_response_correction_event,omitempty"`
	TentativeResponse *tentativeResponseEvent `json:"tentative_agent_response_internal_event,omitempty"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms"`
}

type audioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

type interruptionEvent struct {
	EventID int `json:"event_id"`
}

type metadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

type userTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type agentCorrectionEvent struct {
	OriginalAgentResponse  string `json:"original_agent_response"`
	CorrectedAgentResponse string `json:"corrected_agent_response"`
}

type tentativeResponseEvent struct {
	TentativeAgentResponse string `json:"tentative_agent_response"`
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type contextualUpdateMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
