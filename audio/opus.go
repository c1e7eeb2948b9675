package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// OpusPacket is one received voice packet with its RTP timestamp.
type OpusPacket struct {
	Timestamp uint32
	Payload   []byte
}

// SilenceFrame is the Opus frame Discord sends when a speaker stops.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

func IsSilenceFrame(payload []byte) bool {
	return bytes.Equal(payload, SilenceFrame)
}

// OpusDecoder decodes one speaker's packets into interleaved stereo s16le.
// Opus decoders are stateful, so each SSRC needs its own.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec: dec,
		// 120 ms is the longest Opus frame.
		pcm: make([]int16, 6*FrameSamples*Channels),
	}, nil
}

func (d *OpusDecoder) Decode(payload []byte) ([]byte, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}
	return Int16ToBytes(d.pcm[:n*Channels]), nil
}

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

type OggOpusWriter struct {
	writer        rtpWriter
	lastTimestamp uint32
	started       bool
	log           *log.Logger
}

func NewOggOpusWriter(w io.Writer, log *log.Logger) (*OggOpusWriter, error) {
	oggWriter, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create OGG writer: %w", err)
	}
	return newOggOpusWriter(oggWriter, log), nil
}

func newOggOpusWriter(w rtpWriter, log *log.Logger) *OggOpusWriter {
	return &OggOpusWriter{writer: w, log: log}
}

func (w *OggOpusWriter) WritePacket(p OpusPacket) error {
	if w.started {
		if err := w.insertSilence(p.Timestamp); err != nil {
			return err
		}
	}

	if err := w.writer.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Timestamp: p.Timestamp,
		},
		Payload: p.Payload,
	}); err != nil {
		return fmt.Errorf("write Opus packet: %w", err)
	}

	w.lastTimestamp = p.Timestamp
	w.started = true
	return nil
}

// insertSilence fills a gap of dropped packets so the archive keeps real time.
func (w *OggOpusWriter) insertSilence(next uint32) error {
	gap := int32(next - w.lastTimestamp)
	if gap <= FrameSamples {
		return nil
	}

	count := uint32(gap)/FrameSamples - 1
	w.log.Debug("inserting silent packets", "count", count, "gap", gap)
	for j := uint32(1); j <= count; j++ {
		if err := w.writer.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Timestamp: w.lastTimestamp + j*FrameSamples,
			},
			Payload: SilenceFrame,
		}); err != nil {
			return fmt.Errorf("write silent Opus packet: %w", err)
		}
	}
	return nil
}

func (w *OggOpusWriter) Close() error {
	return w.writer.Close()
}

// Archive writes utterance audio as .ogg files under a directory. It backs
// the debug mode of a session.
type Archive struct {
	dir string
	log *log.Logger
}

func NewArchive(dir string, log *log.Logger) *Archive {
	return &Archive{dir: dir, log: log}
}

func (a *Archive) Save(name string, packets []OpusPacket) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	path := filepath.Join(a.dir, name+".ogg")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	w, err := NewOggOpusWriter(f, a.log)
	if err != nil {
		return "", err
	}
	for i, p := range packets {
		if err := w.WritePacket(p); err != nil {
			a.log.Error("failed to write packet", "error", err, "index", i)
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close OGG writer: %w", err)
	}

	a.log.Debug("archived utterance", "path", path, "packets", len(packets))
	return path, nil
}
