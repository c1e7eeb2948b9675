package voice

import (
	"fmt"

	"node.town/scribe/audio"
)

// ArchiveRecorder saves each utterance's Opus packets to an audio.Archive,
// named after the speaker and utterance ID.
type ArchiveRecorder struct {
	Archive *audio.Archive
	// Prefix is usually the session ID.
	Prefix string
}

func (r ArchiveRecorder) Record(u Utterance) error {
	if len(u.Packets) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s-%s", u.Speaker.ID, u.ID)
	if r.Prefix != "" {
		name = r.Prefix + "-" + name
	}
	if _, err := r.Archive.Save(name, u.Packets); err != nil {
		return fmt.Errorf("failed to archive utterance: %w", err)
	}
	return nil
}
