package live

// Event is one item on a session's event stream. The concrete types below
// form a closed set; consumers switch on them.
type Event interface {
	liveEvent()
}

// Opened reports that the session handshake completed. It is always the
// first event on the stream.
type Opened struct{}

// AudioChunk carries one block of model output audio as raw little-endian
// PCM16 mono bytes at the playback rate. A turn may produce any number of
// chunks, including none.
type AudioChunk struct {
	Data []byte
}

// InputTranscript carries one fragment of the user's transcribed speech.
// Fragments are partial and arrive in utterance order.
type InputTranscript struct {
	Text string
}

// OutputTranscript carries one fragment of the transcript of the model's
// spoken reply.
type OutputTranscript struct {
	Text string
}

// TurnComplete marks the boundary of one conversational turn.
type TurnComplete struct{}

// Interrupted reports that the service cut the current model reply short,
// typically because the user started speaking. Audio already delivered for
// the reply should be discarded.
type Interrupted struct{}

// Closed is the final event on every stream. Err is nil for a local close
// or a clean remote shutdown and non-nil when the session failed.
type Closed struct {
	Err error
}

func (Opened) liveEvent()           {}
func (AudioChunk) liveEvent()       {}
func (InputTranscript) liveEvent()  {}
func (OutputTranscript) liveEvent() {}
func (TurnComplete) liveEvent()     {}
func (Interrupted) liveEvent()      {}
func (Closed) liveEvent()           {}
