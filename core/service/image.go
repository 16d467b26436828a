package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/statsutil"
)

const (
	// DefaultSearchLimit caps registry search results when no limit is given.
	DefaultSearchLimit = 25

	historyLayers    = 5
	createdByMaxLen  = 100
	buildSummaryTail = 10
	inspectFanOut    = 8
)

// ImageService handles image-related operations.
type ImageService struct {
	dockerClient *docker.Client
	audit        auditor
	logger       *zap.Logger
}

// NewImageService creates a new image service. recorder may be nil.
func NewImageService(dockerClient *docker.Client, recorder ActionRecorder, logger *zap.Logger) *ImageService {
	return &ImageService{
		dockerClient: dockerClient,
		audit:        auditor{recorder: recorder, logger: logger},
		logger:       logger,
	}
}

// ImageRecord is the list view of an image.
type ImageRecord struct {
	ID           string            `json:"id"`
	FullID       string            `json:"full_id"`
	Tags         []string          `json:"tags"`
	Repository   string            `json:"repository"`
	Tag          string            `json:"tag"`
	Created      string            `json:"created"`
	Size         string            `json:"size"`
	SizeBytes    int64             `json:"size_bytes"`
	VirtualSize  string            `json:"virtual_size"`
	Labels       map[string]string `json:"labels"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Containers   int64             `json:"containers"`
}

// ImageDetail is the inspected view of an image.
type ImageDetail struct {
	ID            string       `json:"id"`
	FullID        string       `json:"full_id"`
	Tags          []string     `json:"tags"`
	Repository    string       `json:"repository"`
	Tag           string       `json:"tag"`
	Created       string       `json:"created"`
	Size          string       `json:"size"`
	SizeBytes     int64        `json:"size_bytes"`
	VirtualSize   string       `json:"virtual_size"`
	Architecture  string       `json:"architecture"`
	OS            string       `json:"os"`
	DockerVersion string       `json:"docker_version"`
	Author        string       `json:"author"`
	Config        ImageConfig  `json:"config"`
	History       []ImageLayer `json:"history"`
}

// ImageConfig is the runtime configuration baked into an image.
type ImageConfig struct {
	Cmd          []string          `json:"cmd"`
	Entrypoint   []string          `json:"entrypoint"`
	Env          []string          `json:"env"`
	ExposedPorts []string          `json:"exposed_ports"`
	Labels       map[string]string `json:"labels"`
	User         string            `json:"user"`
	WorkingDir   string            `json:"working_dir"`
	Volumes      []string          `json:"volumes"`
}

// ImageLayer is one entry of an image's history.
type ImageLayer struct {
	ID        string `json:"id"`
	Created   string `json:"created"`
	CreatedBy string `json:"created_by"`
	Size      string `json:"size"`
}

// PullResult describes a pulled image.
type PullResult struct {
	Message string   `json:"message"`
	ImageID string   `json:"image_id"`
	Tags    []string `json:"tags"`
	Size    string   `json:"size"`
	Status  string   `json:"status"`
}

// RemoveImageResult describes a removed image.
type RemoveImageResult struct {
	Message  string   `json:"message"`
	ImageID  string   `json:"image_id"`
	Tags     []string `json:"tags"`
	Deleted  []string `json:"deleted"`
	Untagged []string `json:"untagged"`
	Status   string   `json:"status"`
}

// BuildImageRequest enumerates the options accepted on build.
type BuildImageRequest struct {
	Path       string             `json:"path"`
	Tag        string             `json:"tag"`
	Dockerfile string             `json:"dockerfile"`
	BuildArgs  map[string]*string `json:"build_args"`
	Labels     map[string]string  `json:"labels"`
	Target     string             `json:"target"`
	NoCache    bool               `json:"no_cache"`
	Pull       bool               `json:"pull"`
	Platform   string             `json:"platform"`
}

// BuildResult summarizes a finished build.
type BuildResult struct {
	Message   string   `json:"message"`
	ImageID   string   `json:"image_id"`
	Tags      []string `json:"tags"`
	Size      string   `json:"size"`
	BuildLogs []string `json:"build_logs"`
	Status    string   `json:"status"`
}

// SearchResult is one registry search hit.
type SearchResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Stars       int    `json:"stars"`
	Official    bool   `json:"official"`
	Automated   bool   `json:"automated"`
}

// PruneImagesResult reports what an image prune removed.
type PruneImagesResult struct {
	Message             string   `json:"message"`
	ImagesDeleted       []string `json:"images_deleted"`
	SpaceReclaimed      string   `json:"space_reclaimed"`
	SpaceReclaimedBytes uint64   `json:"space_reclaimed_bytes"`
}

// List returns top-level images, or all images including intermediates.
// Architecture and OS come from a bounded fan-out of per-image inspects.
func (s *ImageService) List(ctx context.Context, all bool) ([]ImageRecord, error) {
	images, err := s.dockerClient.ImageList(ctx, image.ListOptions{All: all, ContainerCount: true})
	if err != nil {
		s.logger.Error("failed to list images", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to list images")
	}

	result := make([]ImageRecord, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectFanOut)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			record := toImageRecord(img)
			if inspect, _, err := s.dockerClient.ImageInspectWithRaw(gctx, img.ID); err == nil {
				record.Architecture = orUnknown(inspect.Architecture)
				record.OS = orUnknown(inspect.Os)
			} else {
				s.logger.Debug("failed to inspect image", zap.String("image", img.ID), zap.Error(err))
			}
			result[i] = record
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// Get returns the inspected view of an image by id, name or tag.
func (s *ImageService) Get(ctx context.Context, ref string) (*ImageDetail, error) {
	img, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	tags := tagsOrSentinel(img.RepoTags)
	repo, tag := splitImageTag(tags[0])
	detail := &ImageDetail{
		ID:            shortID(img.ID),
		FullID:        img.ID,
		Tags:          tags,
		Repository:    repo,
		Tag:           tag,
		Created:       img.Created,
		Size:          statsutil.FormatSize(img.Size),
		SizeBytes:     img.Size,
		VirtualSize:   statsutil.FormatSize(img.Size),
		Architecture:  orUnknown(img.Architecture),
		OS:            orUnknown(img.Os),
		DockerVersion: img.DockerVersion,
		Author:        img.Author,
		Config: ImageConfig{
			Cmd:          []string{},
			Entrypoint:   []string{},
			Env:          []string{},
			ExposedPorts: []string{},
			Labels:       map[string]string{},
			Volumes:      []string{},
		},
		History: s.history(ctx, img.ID),
	}

	if cfg := img.Config; cfg != nil {
		detail.Config.Cmd = nonNilSlice(cfg.Cmd)
		detail.Config.Entrypoint = nonNilSlice(cfg.Entrypoint)
		detail.Config.Env = nonNilSlice(cfg.Env)
		detail.Config.Labels = nonNil(cfg.Labels)
		detail.Config.User = cfg.User
		detail.Config.WorkingDir = cfg.WorkingDir
		for port := range cfg.ExposedPorts {
			detail.Config.ExposedPorts = append(detail.Config.ExposedPorts, string(port))
		}
		for vol := range cfg.Volumes {
			detail.Config.Volumes = append(detail.Config.Volumes, vol)
		}
	}

	return detail, nil
}

// Pull pulls name:tag from its registry. tag defaults to "latest"; a name that
// already carries a digest is pulled as-is.
func (s *ImageService) Pull(ctx context.Context, name, tag string) (*PullResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.InvalidRequest("Image name is required")
	}
	ref := name
	if !strings.Contains(name, "@") {
		if tag == "" {
			tag = "latest"
		}
		ref = name + ":" + tag
	}

	reader, err := s.dockerClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		s.logger.Error("failed to pull image", zap.String("image", ref), zap.Error(err))
		return nil, s.audit.record(ctx, "pull", "image", ref, ref, pullError(ref, err))
	}
	defer reader.Close()

	if _, err := drainStream(reader, nil); err != nil {
		s.logger.Error("image pull stream failed", zap.String("image", ref), zap.Error(err))
		return nil, s.audit.record(ctx, "pull", "image", ref, ref, pullError(ref, err))
	}

	result := &PullResult{
		Message: fmt.Sprintf("Image '%s' pulled successfully", ref),
		Tags:    []string{ref},
		Size:    statsutil.FormatSize(0),
		Status:  "pulled",
	}
	if img, _, err := s.dockerClient.ImageInspectWithRaw(ctx, ref); err == nil {
		result.ImageID = shortID(img.ID)
		result.Tags = nonNilSlice(img.RepoTags)
		result.Size = statsutil.FormatSize(img.Size)
	}

	s.logger.Info("image pulled", zap.String("image", ref))
	s.audit.record(ctx, "pull", "image", result.ImageID, ref, nil)
	return result, nil
}

// Remove deletes an image. noPrune keeps untagged parents.
func (s *ImageService) Remove(ctx context.Context, ref string, force, noPrune bool) (*RemoveImageResult, error) {
	img, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "remove", "image", ref, ref, err)
	}
	tags := tagsOrSentinel(img.RepoTags)

	responses, err := s.dockerClient.ImageRemove(ctx, ref, image.RemoveOptions{Force: force, PruneChildren: !noPrune})
	if err != nil {
		s.logger.Error("failed to remove image", zap.String("image", ref), zap.Error(err))
		if errdefs.IsConflict(err) {
			err = apperr.Wrap(apperr.KindConflict, err,
				"Cannot remove image '%s' - it's being used by containers. Use force=true or stop containers first", ref)
		}
		return nil, s.audit.record(ctx, "remove", "image", img.ID, tags[0], apperr.FromDaemon(err, "failed to remove image"))
	}

	result := &RemoveImageResult{
		Message:  "Image removed successfully",
		ImageID:  ref,
		Tags:     tags,
		Deleted:  []string{},
		Untagged: []string{},
		Status:   "removed",
	}
	for _, r := range responses {
		if r.Deleted != "" {
			result.Deleted = append(result.Deleted, r.Deleted)
		}
		if r.Untagged != "" {
			result.Untagged = append(result.Untagged, r.Untagged)
		}
	}

	s.logger.Info("image removed", zap.String("image", tags[0]))
	s.audit.record(ctx, "remove", "image", img.ID, tags[0], nil)
	return result, nil
}

// Build builds an image from the directory at req.Path, honouring its
// .dockerignore. Only the last lines of build output are returned.
func (s *ImageService) Build(ctx context.Context, req BuildImageRequest) (*BuildResult, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, apperr.InvalidRequest("Build path is required")
	}
	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		return nil, apperr.InvalidRequest("Build path '%s' is not a directory", req.Path)
	}
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildContext, err := tarBuildContext(req.Path, dockerfile)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err, "failed to read build context: %s", err.Error())
	}
	defer buildContext.Close()

	var tags []string
	if req.Tag != "" {
		tags = []string{req.Tag}
	}

	resp, err := s.dockerClient.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       tags,
		Dockerfile: dockerfile,
		Remove:     true,
		NoCache:    req.NoCache,
		PullParent: req.Pull,
		BuildArgs:  req.BuildArgs,
		Labels:     req.Labels,
		Target:     req.Target,
		Platform:   req.Platform,
	})
	if err != nil {
		s.logger.Error("failed to start build", zap.String("path", req.Path), zap.Error(err))
		return nil, s.audit.record(ctx, "build", "image", "", req.Tag, apperr.FromDaemon(err, "failed to build image"))
	}
	defer resp.Body.Close()

	var lines []string
	imageID, err := drainStream(resp.Body, func(m jsonmessage.JSONMessage) {
		for _, line := range strings.Split(m.Stream, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	})
	if err != nil {
		s.logger.Error("build failed", zap.String("path", req.Path), zap.Error(err))
		return nil, s.audit.record(ctx, "build", "image", "", req.Tag,
			apperr.Wrap(apperr.KindUpstreamFailure, err, "Build failed: %s", err.Error()))
	}

	if len(lines) > buildSummaryTail {
		lines = lines[len(lines)-buildSummaryTail:]
	}
	result := &BuildResult{
		Message:   "Image built successfully",
		ImageID:   shortID(imageID),
		Tags:      nonNilSlice(tags),
		Size:      statsutil.FormatSize(0),
		BuildLogs: nonNilSlice(lines),
		Status:    "built",
	}
	lookup := imageID
	if lookup == "" {
		lookup = req.Tag
	}
	if lookup != "" {
		if img, _, err := s.dockerClient.ImageInspectWithRaw(ctx, lookup); err == nil {
			result.ImageID = shortID(img.ID)
			result.Tags = nonNilSlice(img.RepoTags)
			result.Size = statsutil.FormatSize(img.Size)
		}
	}

	s.logger.Info("image built", zap.String("path", req.Path), zap.String("image", result.ImageID))
	s.audit.record(ctx, "build", "image", result.ImageID, req.Tag, nil)
	return result, nil
}

// Search queries the registry index. limit defaults to DefaultSearchLimit.
func (s *ImageService) Search(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(term) == "" {
		return nil, apperr.InvalidRequest("Search term is required")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	results, err := s.dockerClient.ImageSearch(ctx, term, registry.SearchOptions{Limit: limit})
	if err != nil {
		s.logger.Error("failed to search images", zap.String("term", term), zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to search images")
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if len(out) == limit {
			break
		}
		out = append(out, SearchResult{
			Name:        r.Name,
			Description: r.Description,
			Stars:       r.StarCount,
			Official:    r.IsOfficial,
			Automated:   r.IsAutomated,
		})
	}
	return out, nil
}

// Prune removes dangling images, or every unused image when danglingOnly is
// false.
func (s *ImageService) Prune(ctx context.Context, danglingOnly bool) (*PruneImagesResult, error) {
	dangling := "false"
	if danglingOnly {
		dangling = "true"
	}

	report, err := s.dockerClient.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", dangling)))
	if err != nil {
		s.logger.Error("failed to prune images", zap.Error(err))
		return nil, s.audit.record(ctx, "prune", "image", "all", "", apperr.FromDaemon(err, "failed to prune images"))
	}

	result := &PruneImagesResult{
		Message:             "Image pruning completed",
		ImagesDeleted:       []string{},
		SpaceReclaimed:      statsutil.FormatUSize(report.SpaceReclaimed),
		SpaceReclaimedBytes: report.SpaceReclaimed,
	}
	for _, d := range report.ImagesDeleted {
		if d.Deleted != "" {
			result.ImagesDeleted = append(result.ImagesDeleted, d.Deleted)
		} else if d.Untagged != "" {
			result.ImagesDeleted = append(result.ImagesDeleted, d.Untagged)
		}
	}

	s.logger.Info("images pruned", zap.Int("count", len(result.ImagesDeleted)), zap.Uint64("reclaimed", report.SpaceReclaimed))
	s.audit.record(ctx, "prune", "image", "all", "", nil)
	return result, nil
}

func (s *ImageService) inspect(ctx context.Context, ref string) (types.ImageInspect, error) {
	img, _, err := s.dockerClient.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return img, apperr.NotFound("Image", ref)
		}
		s.logger.Error("failed to inspect image", zap.String("image", ref), zap.Error(err))
		return img, apperr.FromDaemon(err, "failed to inspect image")
	}
	return img, nil
}

// history returns the first layers of an image. Failures yield an empty list.
func (s *ImageService) history(ctx context.Context, id string) []ImageLayer {
	layers := []ImageLayer{}
	items, err := s.dockerClient.ImageHistory(ctx, id)
	if err != nil {
		s.logger.Warn("failed to read image history", zap.String("image", id), zap.Error(err))
		return layers
	}

	for i, item := range items {
		if i == historyLayers {
			break
		}
		layerID := item.ID
		if layerID == "" {
			layerID = "<missing>"
		}
		layers = append(layers, ImageLayer{
			ID:        shortID(layerID),
			Created:   unixTime(item.Created),
			CreatedBy: truncate(item.CreatedBy, createdByMaxLen),
			Size:      statsutil.FormatSize(item.Size),
		})
	}
	return layers
}

func toImageRecord(img image.Summary) ImageRecord {
	tags := tagsOrSentinel(img.RepoTags)
	repo, tag := splitImageTag(tags[0])
	containers := img.Containers
	if containers < 0 {
		containers = 0
	}
	return ImageRecord{
		ID:           shortID(img.ID),
		FullID:       img.ID,
		Tags:         tags,
		Repository:   repo,
		Tag:          tag,
		Created:      unixTime(img.Created),
		Size:         statsutil.FormatSize(img.Size),
		SizeBytes:    img.Size,
		VirtualSize:  statsutil.FormatSize(img.Size),
		Labels:       nonNil(img.Labels),
		Architecture: "unknown",
		OS:           "unknown",
		Containers:   containers,
	}
}

// tarBuildContext archives dir, skipping paths matched by .dockerignore. The
// Dockerfile and the ignore file itself are always sent.
func tarBuildContext(dir, dockerfile string) (io.ReadCloser, error) {
	var excludes []string
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	switch {
	case err == nil:
		excludes, err = ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse .dockerignore: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if len(excludes) > 0 {
		excludes = append(excludes, "!"+filepath.ToSlash(dockerfile), "!.dockerignore")
	}

	return archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: excludes})
}

// drainStream decodes a pull or build progress stream to the end. onMessage
// sees every message; the image id reported in an aux message is returned.
// An error message in the stream ends decoding with that error.
func drainStream(r io.Reader, onMessage func(jsonmessage.JSONMessage)) (string, error) {
	var imageID string
	decoder := json.NewDecoder(r)
	for {
		var m jsonmessage.JSONMessage
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return imageID, nil
			}
			return imageID, fmt.Errorf("failed to decode progress: %w", err)
		}
		if m.Error != nil {
			return imageID, m.Error
		}
		if m.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*m.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
		if onMessage != nil {
			onMessage(m)
		}
	}
}

// pullError classifies a failed pull. Registry misses surface either as a
// daemon 404 or as an error inside the progress stream.
func pullError(ref string, err error) error {
	msg := strings.ToLower(err.Error())
	if errdefs.IsNotFound(err) ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "repository does not exist") {
		return apperr.Wrap(apperr.KindNotFoundInRegistry, err, "Image '%s' not found in registry", ref)
	}
	return apperr.FromDaemon(err, "failed to pull image")
}

func tagsOrSentinel(tags []string) []string {
	if len(tags) == 0 {
		return []string{untaggedImage}
	}
	return tags
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
