package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jerett/mediaMuxer/internal/util"
	"github.com/jerett/mediaMuxer/pkg/muxer"
)

type MuxOptions struct {
	Video    string
	Audio    string
	Format   string
	FPS      float64
	Width    int
	Height   int
	Options  []string
	Metadata []string
	SEI      string
	Realtime bool
}

func NewMuxCommand() *cobra.Command {
	opts := &MuxOptions{}

	cmd := &cobra.Command{
		Use:   "mux <target>",
		Short: "Mux an H.264 and an ADTS file into a container",
		Long: `Mux reads an Annex-B H.264 elementary stream and/or an ADTS AAC stream and
writes them into target. The container is taken from --format or guessed from
the target's extension.`,
		Example: `  mediamuxer mux --video in.h264 --audio in.aac out.mp4
  mediamuxer mux --video in.h264 --format mpegts --realtime udp://127.0.0.1:1234?pkt_size=1316
  mediamuxer mux --video in.h264 --sei '{"camera":1}' -o frag_samples=30 out.mp4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMux(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Video, "video", "", "Annex-B H.264 input file")
	flags.StringVar(&opts.Audio, "audio", "", "ADTS AAC input file")
	flags.StringVarP(&opts.Format, "format", "f", "", "Output format name (see 'mediamuxer formats')")
	flags.Float64Var(&opts.FPS, "fps", 25, "Video frame rate used to derive timestamps")
	flags.IntVar(&opts.Width, "width", 0, "Video width (default: from SPS)")
	flags.IntVar(&opts.Height, "height", 0, "Video height (default: from SPS)")
	flags.StringArrayVarP(&opts.Options, "option", "o", nil, "Format option as key=value (repeatable)")
	flags.StringArrayVarP(&opts.Metadata, "metadata", "m", nil, "Container metadata as key=value (repeatable)")
	flags.StringVar(&opts.SEI, "sei", "", "Payload attached as SEI to every key frame")
	flags.BoolVar(&opts.Realtime, "realtime", false, "Pace writes at the media rate")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"mp4", "mpegts", "webm", "h264", "null"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// muxItem is the next frame of either input, stamped in milliseconds
type muxItem struct {
	pts   int64
	video bool
	index int
}

func runMux(ctx context.Context, target string, opts *MuxOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Video == "" && opts.Audio == "" {
		return fmt.Errorf("at least one of --video or --audio is required")
	}
	if opts.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %v", opts.FPS)
	}
	formatOptions, err := parseKeyValues(opts.Options)
	if err != nil {
		return err
	}
	metadata, err := parseKeyValues(opts.Metadata)
	if err != nil {
		return err
	}

	var video *videoSource
	if opts.Video != "" {
		data, err := os.ReadFile(opts.Video)
		if err != nil {
			return fmt.Errorf("failed to read video input: %w", err)
		}
		if video, err = readVideo(data); err != nil {
			return fmt.Errorf("%s: %w", opts.Video, err)
		}
	}
	var audio *audioSource
	if opts.Audio != "" {
		data, err := os.ReadFile(opts.Audio)
		if err != nil {
			return fmt.Errorf("failed to read audio input: %w", err)
		}
		if audio, err = readADTS(data); err != nil {
			return fmt.Errorf("%s: %w", opts.Audio, err)
		}
	}

	logger := util.GetLogger()
	m := muxer.New(opts.Format, target, muxer.WithLogger(logger))
	defer m.Close()
	stop := context.AfterFunc(ctx, m.Interrupt)
	defer stop()

	if err := m.Open(formatOptions); err != nil {
		return err
	}
	for k, v := range metadata {
		if err := m.SetMetadata(k, v); err != nil {
			return err
		}
	}
	if video != nil {
		width, height := video.width, video.height
		if opts.Width > 0 {
			width = opts.Width
		}
		if opts.Height > 0 {
			height = opts.Height
		}
		if err := m.AddVideoStream(width, height, video.header, nil); err != nil {
			return err
		}
	}
	if audio != nil {
		layout := muxer.ChannelLayoutMono
		if audio.channels == 2 {
			layout = muxer.ChannelLayoutStereo
		}
		if err := m.AddAudioStream(audio.config, audio.sampleRate, layout, audio.channels, 0); err != nil {
			return err
		}
	}
	if err := m.WriteHeader(); err != nil {
		return err
	}

	videoPTS := func(i int) int64 {
		return int64(math.Round(float64(i) * 1000 / opts.FPS))
	}
	audioPTS := func(i int) int64 {
		return int64(math.Round(float64(i) * 1024 * 1000 / float64(audio.sampleRate)))
	}

	start := time.Now()
	var vi, ai int
	for {
		var next *muxItem
		if video != nil && vi < len(video.frames) {
			next = &muxItem{pts: videoPTS(vi), video: true, index: vi}
		}
		if audio != nil && ai < len(audio.frames) {
			if pts := audioPTS(ai); next == nil || pts < next.pts {
				next = &muxItem{pts: pts, index: ai}
			}
		}
		if next == nil {
			break
		}

		if opts.Realtime {
			wait := time.Until(start.Add(time.Duration(next.pts) * time.Millisecond))
			if wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if next.video {
			frame := video.frames[next.index]
			if opts.SEI != "" && frame.key {
				err = m.WriteVideoFrameWithMetadata(frame.data, []byte(opts.SEI), next.pts, next.pts, frame.key)
			} else {
				err = m.WriteVideoFrame(frame.data, next.pts, next.pts, frame.key)
			}
			vi++
		} else {
			err = m.WriteAudioFrame(audio.frames[next.index], next.pts)
			ai++
		}
		if err != nil {
			return err
		}
	}

	if err := m.Close(); err != nil {
		return err
	}
	logger.Debug("Mux finished", slog.Int("video_frames", vi), slog.Int("audio_frames", ai), slog.Duration("elapsed", time.Since(start)))
	fmt.Fprintf(out, "Muxed %d video and %d audio frames into %s\n", vi, ai, color.CyanString(target))
	return nil
}
