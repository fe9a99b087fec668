package voice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamcatchered/dreamDownloader/pkg/gate"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/media"
	"github.com/dreamcatchered/dreamDownloader/pkg/metrics"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// transcribePoolMax bounds the parallel recognizer calls per batch.
const transcribePoolMax = 16

// Transcriber is the speech oracle surface; pkg/oracle implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Transport is the chat surface the processor needs: fetching the voice
// payload and replying with the transcript.
type Transport interface {
	DownloadFile(ctx context.Context, fileID, dest string) error

	// SendTranscript replies to the batch with a summary button carrying
	// the callback payload. Implementations own formatting fallbacks.
	SendTranscript(ctx context.Context, chatID int64, replyTo int, text, summaryData string) error
}

// Processor runs closed batches: download, convert to recognizer format,
// transcribe in parallel, persist and reply.
type Processor struct {
	store     *store.Store
	gates     *gate.Gates
	oracle    Transcriber
	transport Transport
	workDir   string
}

func NewProcessor(s *store.Store, g *gate.Gates, o Transcriber, t Transport, workDir string) *Processor {
	return &Processor{store: s, gates: g, oracle: o, transport: t, workDir: workDir}
}

// Flush handles one closed batch. Downloads run sequentially (they share
// the transport connection); transcriptions run in a bounded pool with
// results kept in message order.
func (p *Processor) Flush(ctx context.Context, userID int64, items []Item) {
	if len(items) == 0 {
		return
	}
	logger.InfoCF("voice", "Processing batch", map[string]any{
		"user":  userID,
		"count": len(items),
	})

	batchDir := filepath.Join(p.workDir, "voice-"+uuid.New().String())
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		logger.ErrorCF("voice", "Failed to create batch dir", map[string]any{"error": err.Error()})
		return
	}
	defer os.RemoveAll(batchDir)

	wavs := make([]string, len(items))
	for i, item := range items {
		raw := filepath.Join(batchDir, fmt.Sprintf("in-%d.ogg", i))
		if err := p.transport.DownloadFile(ctx, item.FileID, raw); err != nil {
			logger.WarnCF("voice", "Voice download failed", map[string]any{
				"file":  item.FileID,
				"error": err.Error(),
			})
			continue
		}
		wav := filepath.Join(batchDir, fmt.Sprintf("in-%d.wav", i))
		if err := media.ToSpeechWAV(ctx, raw, wav); err != nil {
			logger.WarnCF("voice", "Speech conversion failed", map[string]any{"error": err.Error()})
			continue
		}
		wavs[i] = wav
	}

	texts := p.transcribeAll(ctx, wavs)

	for i, item := range items {
		if texts[i] == "" {
			metrics.Transcriptions.WithLabelValues("empty").Inc()
			continue
		}
		metrics.Transcriptions.WithLabelValues("ok").Inc()
		if err := p.store.SaveTranscription(item.UniqueID, userID, texts[i]); err != nil {
			logger.WarnCF("voice", "Failed to persist transcription", map[string]any{"error": err.Error()})
		}
	}

	text, uids := combineTranscripts(items, texts)
	if text == "" {
		text = "Не удалось распознать речь в сообщении."
	}

	last := items[len(items)-1]
	if err := p.transport.SendTranscript(ctx, last.ChatID, last.MessageID, text, summaryPayload(uids)); err != nil {
		logger.ErrorCF("voice", "Failed to send transcript", map[string]any{"error": err.Error()})
	}
}

// transcribeAll runs the recognizer over the batch with bounded
// parallelism, returning texts aligned with the input order.
func (p *Processor) transcribeAll(ctx context.Context, wavs []string) []string {
	texts := make([]string, len(wavs))

	workers := len(wavs)
	if workers > transcribePoolMax {
		workers = transcribePoolMax
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				wav := wavs[i]
				if wav == "" {
					continue
				}
				err := p.gates.Transcription(ctx, func() error {
					text, terr := p.oracle.Transcribe(ctx, wav)
					if terr != nil {
						return terr
					}
					texts[i] = text
					return nil
				})
				if err != nil {
					metrics.Transcriptions.WithLabelValues("error").Inc()
					logger.WarnCF("voice", "Transcription failed", map[string]any{"error": err.Error()})
				}
			}
		}()
	}
	for i := range wavs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return texts
}

// combineTranscripts renders the reply text. A single message gets its
// bare transcript; batches get numbered sections. Returned uids cover the
// messages that produced text, for the summary callback.
func combineTranscripts(items []Item, texts []string) (string, []string) {
	var sections []string
	var uids []string
	for i, item := range items {
		if texts[i] == "" {
			continue
		}
		sections = append(sections, texts[i])
		uids = append(uids, item.UniqueID)
	}
	if len(sections) == 0 {
		return "", nil
	}
	if len(sections) == 1 {
		return sections[0], uids
	}

	var b strings.Builder
	for i, text := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Сообщение %d:\n%s", i+1, text)
	}
	return b.String(), uids
}

// summaryPayload builds the callback data for the summary button.
func summaryPayload(uids []string) string {
	switch len(uids) {
	case 0:
		return ""
	case 1:
		return "summarize:" + uids[0]
	default:
		return "batch_summarize:" + strings.Join(uids, ",")
	}
}
