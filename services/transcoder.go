package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcRegistry tracks running transcoder subprocesses so the watchdog can
// terminate them, and answers whether a job was taken over by such an
// external interrupt.
type ProcRegistry interface {
	RegisterProc(jobID int64, cmd *exec.Cmd)
	UnregisterProc(jobID int64)
	Interrupted(jobID int64) bool
}

// FFProbeOutput mirrors the JSON from ffprobe -print_format json.
type FFProbeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		BitRate    string `json:"bit_rate"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// VideoMeta is the probed input geometry used to pick the scale filter.
type VideoMeta struct {
	DurationSec float64
	FileBytes   int64
	Width       int
	Height      int
	Vertical    bool
	BitrateKbps int
	FPS         float64
}

// TranscodePlan is a fully resolved ffmpeg invocation.
type TranscodePlan struct {
	Args       []string
	Command    string
	TargetRes  string
	OutputFile string
	OutputName string
}

// ErrTranscodeTimeout marks an ffmpeg run killed by the job deadline.
var ErrTranscodeTimeout = fmt.Errorf("ffmpeg timeout")

// ErrTranscodeInterrupted marks an ffmpeg run killed by the watchdog or
// shutdown; the interrupter owns the terminal report.
var ErrTranscodeInterrupted = fmt.Errorf("ffmpeg interrupted")

// Transcoder drives ffmpeg/ffprobe subprocesses. No bitrate or FPS
// overrides anywhere: source timing is preserved, only CRF and scale vary.
type Transcoder struct {
	ffmpegPath     string
	crfMap         map[string]int
	timeout        time.Duration
	thumbnailScale string
	registry       ProcRegistry
	logger         *slog.Logger
}

func NewTranscoder(ffmpegPath string, crfMap map[string]int, timeoutMinutes int, thumbnailScale string, registry ProcRegistry, logger *slog.Logger) *Transcoder {
	return &Transcoder{
		ffmpegPath:     ffmpegPath,
		crfMap:         crfMap,
		timeout:        time.Duration(timeoutMinutes) * time.Minute,
		thumbnailScale: thumbnailScale,
		registry:       registry,
		logger:         logger,
	}
}

// CheckBinary verifies ffmpeg is runnable. Called once at startup.
func (t *Transcoder) CheckBinary() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	args := wrapIOPriority([]string{t.ffmpegPath, "-version"})
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg check failed: %w", err)
	}
	return nil
}

// Probe inspects the input. Every field has a safe default; a broken probe
// never blocks the transcode.
func (t *Transcoder) Probe(path string) VideoMeta {
	meta := VideoMeta{Width: 1920, Height: 1080, FPS: 30}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	args := wrapIOPriority([]string{"ffprobe", "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path})
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return meta
	}
	var probe FFProbeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return meta
	}

	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.DurationSec = d
	}
	if s, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil && s > 0 {
		meta.FileBytes = s
	} else if fi, err := os.Stat(path); err == nil {
		meta.FileBytes = fi.Size()
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width > 0 {
			meta.Width = s.Width
		}
		if s.Height > 0 {
			meta.Height = s.Height
		}
		meta.Vertical = s.Height > s.Width
		raw, _ := strconv.Atoi(s.BitRate)
		if raw == 0 {
			raw, _ = strconv.Atoi(probe.Format.BitRate)
		}
		meta.BitrateKbps = raw / 1000
		meta.FPS = parseFPS(s.RFrameRate)
		break
	}

	if meta.BitrateKbps <= 0 && meta.DurationSec > 0 && meta.FileBytes > 0 {
		meta.BitrateKbps = int(float64(meta.FileBytes)*8/meta.DurationSec) / 1000
	}
	return meta
}

// BuildPlan resolves profile and quality into the ffmpeg argument list.
func (t *Transcoder) BuildPlan(job *Job, meta VideoMeta, inputPath, workDir string) *TranscodePlan {
	quality := job.Quality
	if quality == "" {
		quality = "720p"
	}
	profile := job.ProcessingProfile
	if profile == "" {
		profile = "crf_14"
	}

	baseClean := strings.NewReplacer(".mp4", "", ".mov", "").Replace(job.CleanName)
	outputName := baseClean + "-" + resSuffix(quality) + ".mp4"
	outputFile := workDir + string(os.PathSeparator) + outputName

	scaleStr, targetRes := scaleFilter(quality, meta.Vertical)
	if targetRes == "" {
		targetRes = fmt.Sprintf("%dx%d", meta.Width, meta.Height)
	}

	var args []string
	if profile == "web_opt" || profile == "web_optimize" {
		args = []string{
			t.ffmpegPath, "-i", inputPath,
			"-c:v", "copy", "-an", "-movflags", "+faststart",
			"-y", outputFile,
		}
	} else {
		crf := crfFor(profile, t.crfMap)
		args = []string{t.ffmpegPath, "-i", inputPath}
		if scaleStr != "" {
			args = append(args, "-vf", scaleStr)
		}
		args = append(args,
			"-c:v", "libx264", "-crf", strconv.Itoa(crf), "-preset", "slow", "-an",
			"-movflags", "+faststart",
			"-profile:v", "high", "-level", "4.1", "-pix_fmt", "yuv420p",
			"-y", outputFile,
		)
	}

	return &TranscodePlan{
		Args:       args,
		Command:    strings.Join(args, " "),
		TargetRes:  targetRes,
		OutputFile: outputFile,
		OutputName: outputName,
	}
}

// Run executes the plan under the job deadline. The subprocess handle is
// registered for the duration so the watchdog can kill it.
func (t *Transcoder) Run(jobID int64, plan *TranscodePlan) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	args := wrapIOPriority(plan.Args)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", "", err
	}
	if t.registry != nil {
		t.registry.RegisterProc(jobID, cmd)
		defer t.registry.UnregisterProc(jobID)
	}

	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), ErrTranscodeTimeout
	}
	if err != nil && t.registry != nil && t.registry.Interrupted(jobID) {
		return stdout.String(), stderr.String(), ErrTranscodeInterrupted
	}
	return stdout.String(), stderr.String(), err
}

// ProbeOutput reads resolution, frame rate and duration off the finished
// file. Zero values mean the probe failed; callers fall back to the plan.
func (t *Transcoder) ProbeOutput(path string) (resolution string, fps float64, duration int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	args := wrapIOPriority([]string{"ffprobe", "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path})
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return "", 0, 0
	}
	var probe FFProbeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return "", 0, 0
	}
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			fps = parseFPS(s.RFrameRate)
			break
		}
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		duration = int(d)
	}
	return resolution, fps, duration
}

// Thumbnail grabs a single frame at 5s, scaled per configuration.
func (t *Transcoder) Thumbnail(inputPath, thumbPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	args := wrapIOPriority([]string{
		t.ffmpegPath,
		"-ss", "00:00:05",
		"-i", inputPath,
		"-vframes", "1",
		"-vf", "scale=" + t.thumbnailScale,
		"-q:v", "3",
		"-y", thumbPath,
	})
	if err := exec.CommandContext(ctx, args[0], args[1:]...).Run(); err != nil {
		return err
	}
	if _, err := os.Stat(thumbPath); err != nil {
		return err
	}
	return nil
}

// crfFor resolves a profile name to a CRF value. crf_<n> carries the
// number; legacy names use the fixed table; everything else is 14.
func crfFor(profile string, crfMap map[string]int) int {
	if strings.HasPrefix(profile, "crf_") {
		if n, err := strconv.Atoi(strings.TrimPrefix(profile, "crf_")); err == nil {
			return n
		}
		return 14
	}
	if crf, ok := crfMap[profile]; ok {
		return crf
	}
	return 14
}

func resSuffix(quality string) string {
	switch quality {
	case "original":
		return "original"
	case "720p":
		return "720"
	case "1080p":
		return "1080"
	case "2k":
		return "2k"
	case "4k":
		return "4k"
	}
	return "720"
}

// scaleFilter picks the lanczos scale expression for the target quality,
// branching on orientation. Empty for original/unknown qualities.
func scaleFilter(quality string, vertical bool) (scale string, targetRes string) {
	type pair struct {
		vert, hor       string
		vertRes, horRes string
	}
	m := map[string]pair{
		"720p":  {"scale=720:-2:flags=lanczos", "scale=-2:720:flags=lanczos", "720x1280", "1280x720"},
		"1080p": {"scale=1080:-2:flags=lanczos", "scale=-2:1080:flags=lanczos", "1080x1920", "1920x1080"},
		"2k":    {"scale=1440:-2:flags=lanczos", "scale=-2:1440:flags=lanczos", "1440x2560", "2560x1440"},
		"4k":    {"scale=2160:-2:flags=lanczos", "scale=-2:2160:flags=lanczos", "2160x3840", "3840x2160"},
	}
	p, ok := m[quality]
	if !ok {
		return "", ""
	}
	if vertical {
		return p.vert, p.vertRes
	}
	return p.hor, p.horRes
}

func parseFPS(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 30
	}
	if strings.Contains(raw, "/") {
		parts := strings.SplitN(raw, "/", 2)
		n, err1 := strconv.Atoi(parts[0])
		d, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || d == 0 {
			return 30
		}
		return float64(int(float64(n)/float64(d)*100+0.5)) / 100
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return 30
}

var (
	ioPrioOnce      sync.Once
	ioPrioAvailable bool
)

// wrapIOPriority prefixes the command with ionice/nice on Linux so ffmpeg
// yields to everything else on the node. Skipped when the tools are
// absent.
func wrapIOPriority(args []string) []string {
	if runtime.GOOS != "linux" {
		return args
	}
	ioPrioOnce.Do(func() {
		_, ioniceErr := exec.LookPath("ionice")
		_, niceErr := exec.LookPath("nice")
		ioPrioAvailable = ioniceErr == nil && niceErr == nil
	})
	if !ioPrioAvailable {
		return args
	}
	return append([]string{"ionice", "-c", "3", "nice", "-n", "15"}, args...)
}
