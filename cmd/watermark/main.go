// cmd/watermark watermarks local PDF files and writes them into a zip archive
// without NATS. It drives the same worker the daemon uses, so it doubles as a
// smoke test for the pipeline.
//
// Usage:
//
//	./watermark -text CONFIDENTIAL -o out.zip a.pdf b.pdf
//	./watermark -info report.pdf
//
// Ctrl-C aborts the batch; nothing is written in that case.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/internal/pipeline"
	"github.com/tendant/simple-watermarker/internal/watermark"
	"github.com/tendant/simple-watermarker/internal/worker"
	"github.com/tendant/simple-watermarker/pkg/schema"
)

var errCancelled = errors.New("batch cancelled")

func main() {
	output := flag.String("o", "watermarked.zip", "Output archive path")
	text := flag.String("text", "CONFIDENTIAL", "Watermark text")
	points := flag.Int("points", watermark.DefaultStyle.Points, "Font size in points")
	opacity := flag.Float64("opacity", watermark.DefaultStyle.Opacity, "Fill opacity (0-1]")
	color := flag.String("color", watermark.DefaultStyle.FillColor, "Fill color as #RRGGBB")
	info := flag.Bool("info", false, "Show document metadata only (don't watermark)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Println("Error: at least one input PDF is required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))

	files, err := readInputs(flag.Args())
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	opener, err := document.OpenerFor("application/pdf")
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	if *info {
		for _, f := range files {
			printFileInfo(opener, f)
		}
		return
	}

	style := watermark.DefaultStyle
	style.Points = *points
	style.Opacity = *opacity
	style.FillColor = *color
	if err := style.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	if *verbose {
		fmt.Printf("🔧 Style: %s\n", style.Description())
	}

	engine := pipeline.NewEngine(opener, pipeline.WithLogger(logger), pipeline.WithStyle(style))
	w := worker.New(engine, worker.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = w.Run(runCtx) }()

	fmt.Printf("\n🎨 Watermarking %d file(s) with %q...\n", len(files), *text)
	start := time.Now()

	result, err := drive(ctx, w, schema.Command{
		Cmd:       schema.CommandStart,
		Files:     files,
		Watermark: *text,
	}, os.Stdout)
	if errors.Is(err, errCancelled) {
		fmt.Println("\n⏹️  Cancelled, no archive written")
		os.Exit(130)
	}
	if err != nil {
		log.Fatalf("❌ Watermarking failed: %v", err)
	}

	if err := os.WriteFile(*output, result.Buffer, 0o644); err != nil {
		log.Fatalf("❌ Failed to write archive: %v", err)
	}

	fmt.Printf("\n✅ Done!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📁 Output: %s\n", *output)
	fmt.Printf("📦 Entries: %d\n", result.Entries)
	fmt.Printf("📏 Size: %s\n", formatBytes(int64(len(result.Buffer))))
	fmt.Printf("⏱️  Time: %v\n", time.Since(start).Round(time.Millisecond))
	for _, name := range result.Skipped {
		fmt.Printf("⚠️  Skipped: %s\n", name)
	}
	fmt.Println()
}

// drive starts cmd on w and reports progress to out until the job ends.
// When ctx is cancelled an abort is sent and drive waits for the worker to
// acknowledge it.
func drive(ctx context.Context, w *worker.Worker, cmd schema.Command, out io.Writer) (schema.Event, error) {
	if cmd.JobID == "" {
		cmd.JobID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}
	if err := w.Send(ctx, cmd); err != nil {
		return schema.Event{}, err
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			fmt.Fprintln(out, "\n🛑 Aborting...")
			sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.Send(sendCtx, schema.Command{Cmd: schema.CommandAbort, JobID: cmd.JobID})
			cancel()
			if err != nil {
				return schema.Event{}, err
			}
		case ev, ok := <-w.Events():
			if !ok {
				return schema.Event{}, errors.New("worker stopped")
			}
			if ev.JobID != cmd.JobID {
				continue
			}
			switch ev.Type {
			case schema.EventProgress:
				fmt.Fprintf(out, "\r[%3d%%] %-70s", ev.Percent, ev.Message)
			case schema.EventFileDone:
				fmt.Fprintf(out, "\n📄 File %d done\n", ev.FileIndex+1)
			case schema.EventResult:
				return ev, nil
			case schema.EventCancelled:
				return ev, errCancelled
			case schema.EventError:
				return ev, fmt.Errorf("%s (%s)", ev.Error, ev.FailureType)
			}
		}
	}
}

func readInputs(paths []string) ([]schema.InputFile, error) {
	files := make([]schema.InputFile, 0, len(paths))
	for _, p := range paths {
		mimeType, err := detectMIMEType(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if _, err := document.OpenerFor(mimeType); err != nil {
			return nil, fmt.Errorf("%s: %w (supported: %s)", p, err, strings.Join(document.SupportedMimeTypes(), ", "))
		}
		buf, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, schema.InputFile{Name: filepath.Base(p), Buffer: buf})
	}
	return files, nil
}

// detectMIMEType detects the MIME type of a file by reading its content
func detectMIMEType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && n == 0 {
		return "", err
	}

	// http.DetectContentType doesn't detect PDFs well, check magic bytes
	if n >= 4 && string(buffer[:4]) == "%PDF" {
		return "application/pdf", nil
	}
	return http.DetectContentType(buffer[:n]), nil
}

func printFileInfo(opener document.Opener, f schema.InputFile) {
	fmt.Printf("\n📊 %s\n", f.Name)
	fmt.Println(strings.Repeat("-", 40))
	info, err := document.Inspect(opener, f.Buffer)
	if err != nil {
		fmt.Printf("❌ Failed to inspect file: %v\n", err)
		return
	}
	fmt.Printf("Pages: %d\n", info.Pages)
	fmt.Printf("File Size: %s (%.2f MB)\n", formatBytes(info.Size), float64(info.Size)/(1024*1024))
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
