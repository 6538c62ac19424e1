package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// infoFileName is the recording-info sidecar within a recording
// directory.
const infoFileName = "info"

// WriteInfo writes the recording-info sidecar with the learned frame
// rate. It is written once, when the recorder reaches sync.
func WriteInfo(dir string, framesPerSecond float64) error {
	path := filepath.Join(dir, infoFileName)
	data := fmt.Sprintf("F %.2f\n", framesPerSecond)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("segment: write info %s: %w", path, err)
	}
	return nil
}

// ReadInfo reads the frame rate back from a recording-info sidecar.
func ReadInfo(dir string) (float64, error) {
	path := filepath.Join(dir, infoFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("segment: read info %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "F "); ok {
			fps, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return 0, fmt.Errorf("segment: info %s: %w", path, err)
			}
			return fps, nil
		}
	}
	return 0, fmt.Errorf("segment: info %s: no frame rate record", path)
}
