package actions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// assembledName is the single-container output written next to the
// downloaded parts.
const assembledName = "audiobook.m4b"

// AssembleAudiobook concatenates a downloaded audiobook's part files
// into a single .m4b container using ffmpeg, when ffmpeg is available
// on PATH. Strictly best effort: every failure is logged at Warn and
// swallowed; the per-part download already succeeded and must not be
// invalidated by post-processing.
func AssembleAudiobook(ctx context.Context, partDir string, logger *slog.Logger) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		logger.Debug("ffmpeg not found, skipping audiobook assembly")
		return
	}

	parts, err := orderedParts(partDir)
	if err != nil || len(parts) == 0 {
		logger.Warn("no audiobook parts to assemble", slog.String("dir", partDir))
		return
	}

	listPath := filepath.Join(partDir, ".concat-list.txt")
	if err := writeConcatList(listPath, parts); err != nil {
		logger.Warn("audiobook assembly skipped", slog.String("error", err.Error()))
		return
	}
	defer os.Remove(listPath)

	outPath := filepath.Join(partDir, assembledName)

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(outPath)
		logger.Warn("audiobook assembly failed",
			slog.String("error", err.Error()),
			slog.String("output", truncate(string(out), 512)),
		)

		return
	}

	logger.Info("assembled audiobook", slog.String("path", outPath))
}

// orderedParts lists the numbered part files in playback order.
func orderedParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type part struct {
		index int
		path  string
	}

	var parts []part

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))

		idx, err := strconv.Atoi(base)
		if err != nil {
			continue // not a numbered part
		}

		parts = append(parts, part{index: idx, path: filepath.Join(dir, name)})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })

	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.path
	}

	return paths, nil
}

// writeConcatList writes ffmpeg's concat-demuxer input file.
func writeConcatList(path string, parts []string) error {
	var b strings.Builder
	for _, p := range parts {
		// Single quotes escaped per ffmpeg concat syntax.
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "…"
}
