package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
)

// DefaultLogTail is the number of lines returned when no tail is given.
const DefaultLogTail = 100

// LogsResult holds the captured tail of a container's output.
type LogsResult struct {
	ShortID   string `json:"short_id"`
	Name      string `json:"name"`
	Logs      string `json:"logs"`
	Tail      int    `json:"tail"`
	Timestamp string `json:"timestamp"`
}

// Logs returns the last tail lines of stdout and stderr. A tail of zero or
// less uses DefaultLogTail.
//
// With follow set the call does not return until the container stops or ctx
// ends. Callers wanting a live stream should use StreamLogs instead.
func (s *ContainerService) Logs(ctx context.Context, ref string, tail int, follow bool) (*LogsResult, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}

	var buf bytes.Buffer
	tty := c.Config != nil && c.Config.Tty
	if err := s.copyLogs(ctx, c.ID, strconv.Itoa(tail), follow, false, tty, &buf); err != nil {
		return nil, err
	}

	result := &LogsResult{
		ShortID: shortID(c.ID),
		Name:    trimName(c.Name),
		Logs:    strings.ToValidUTF8(buf.String(), "\uFFFD"),
		Tail:    tail,
	}
	if c.State != nil {
		result.Timestamp = c.State.StartedAt
	}
	return result, nil
}

// StreamLogs follows a container's output into w until the container stops or
// ctx is cancelled. If w has a Flush() error method it is called after every
// write.
func (s *ContainerService) StreamLogs(ctx context.Context, ref string, tail int, w io.Writer) error {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}

	tty := c.Config != nil && c.Config.Tty
	err = s.copyLogs(ctx, c.ID, strconv.Itoa(tail), true, false, tty, &flushWriter{w: w})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ArchiveLogs writes a zip archive holding the full timestamped log of a
// container to w.
func (s *ContainerService) ArchiveLogs(ctx context.Context, ref string, w io.Writer) (string, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	tty := c.Config != nil && c.Config.Tty
	if err := s.copyLogs(ctx, c.ID, "all", false, true, tty, &buf); err != nil {
		return "", err
	}

	name := trimName(c.Name)
	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("20060102-150405"))

	zipWriter := zip.NewWriter(w)
	fileWriter, err := zipWriter.Create(filename)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to create zip entry: %s", err.Error())
	}
	if _, err := fileWriter.Write(buf.Bytes()); err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to write logs to zip: %s", err.Error())
	}
	if err := zipWriter.Close(); err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to finish zip archive: %s", err.Error())
	}

	s.logger.Info("created log archive", zap.String("container", name), zap.Int("bytes", buf.Len()))
	return fmt.Sprintf("container-%s-logs.zip", shortID(c.ID)), nil
}

// copyLogs fetches logs and writes them to w. Non-TTY containers multiplex
// stdout and stderr, which stdcopy splits back into plain text.
func (s *ContainerService) copyLogs(ctx context.Context, id, tail string, follow, timestamps, tty bool, w io.Writer) error {
	reader, err := s.dockerClient.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: timestamps,
		Tail:       tail,
	})
	if err != nil {
		s.logger.Error("failed to get container logs", zap.String("container", id), zap.Error(err))
		return apperr.FromDaemon(err, "failed to get container logs")
	}
	defer reader.Close()

	if tty {
		_, err = io.Copy(w, reader)
	} else {
		_, err = stdcopy.StdCopy(w, w, reader)
	}
	if err != nil && ctx.Err() == nil {
		return apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to read container logs: %s", err.Error())
	}
	return nil
}

// flushWriter flushes the wrapped writer after every write when it supports it.
type flushWriter struct {
	w io.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if flusher, ok := f.w.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}
