package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/extract"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// crawlFlags override the configured per-job crawler knobs.
type crawlFlags struct {
	headless      bool
	loadTimeout   uint64
	requestDelay  uint64
	webdriverPort uint16
}

func (f *crawlFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run the browser without a window")
	cmd.Flags().Uint64Var(&f.loadTimeout, "load-timeout", 0, "page load timeout in seconds")
	cmd.Flags().Uint64Var(&f.requestDelay, "request-delay", 0, "delay between requests in seconds")
	cmd.Flags().Uint16Var(&f.webdriverPort, "webdriver-port", 0, "attach to a running browser on this debugging port")
}

// resolve returns base with every explicitly set flag applied.
func (f *crawlFlags) resolve(cmd *cobra.Command, base crawler.CrawlConfig) crawler.CrawlConfig {
	flags := cmd.Flags()
	if flags.Changed("headless") {
		base.Headless = f.headless
	}
	if flags.Changed("load-timeout") {
		base.LoadTimeoutSeconds = f.loadTimeout
	}
	if flags.Changed("request-delay") {
		base.RequestDelaySeconds = f.requestDelay
	}
	if flags.Changed("webdriver-port") {
		base.WebdriverPort = f.webdriverPort
	}
	return base
}

// newCrawlCmd creates the 'crawl' command group.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl catalog records into the local cache",
	}
	cmd.AddCommand(newCrawlAutoCmd(), newCrawlBatchCmd())
	return cmd
}

func newCrawlAutoCmd() *cobra.Command {
	var (
		flags     crawlFlags
		startURL  string
		withImage bool
		maxDepth  int
	)
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Walk listing pages and crawl every new record found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if startURL == "" {
				startURL = rt.cfg.Crawler.StartURL
			}
			return runTask(cmd, rt, task.Auto{
				StartURL:     startURL,
				WithImage:    withImage,
				Config:       flags.resolve(cmd, rt.cfg.CrawlConfig()),
				MaxPageDepth: maxDepth,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&startURL, "start-url", "", "first listing page (defaults to crawler.start_url)")
	cmd.Flags().BoolVar(&withImage, "with-image", false, "download record images")
	cmd.Flags().IntVar(&maxDepth, "max-page-depth", 0, "maximum listing pages to visit (defaults to crawler.max_page_depth)")
	return cmd
}

func newCrawlBatchCmd() *cobra.Command {
	var (
		flags     crawlFlags
		file      string
		withImage bool
	)
	cmd := &cobra.Command{
		Use:   "batch [CODE...]",
		Short: "Crawl a fixed list of codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			codes, err := collectCodes(args, file)
			if err != nil {
				return err
			}
			return runTask(cmd, rt, task.Batch{
				Codes:     codes,
				WithImage: withImage,
				Config:    flags.resolve(cmd, rt.cfg.CrawlConfig()),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "read codes from a text file, one per line")
	cmd.Flags().BoolVar(&withImage, "with-image", false, "download record images")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var (
		flags crawlFlags
		file  string
	)
	cmd := &cobra.Command{
		Use:   "update [CODE...]",
		Short: "Re-crawl cached records and refresh their metadata and images",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			codes, err := collectCodes(args, file)
			if err != nil {
				return err
			}
			return runTask(cmd, rt, task.Update{
				Codes:  codes,
				Config: flags.resolve(cmd, rt.cfg.CrawlConfig()),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "read codes from a text file, one per line")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit [CODE...]",
		Short: "Push cached records and their images to the remote partner",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			codes, err := collectCodes(args, file)
			if err != nil {
				return err
			}
			return runTask(cmd, rt, task.Submit{Codes: codes})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read codes from a text file, one per line")
	return cmd
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Copy the remote catalog's identifiers into the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runTask(cmd, rt, task.PullRemote{})
		},
	}
}

func newIdolCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "idol",
		Short: "Upload images for remote idols that lack one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runTask(cmd, rt, task.Idol{Config: flags.resolve(cmd, rt.cfg.CrawlConfig())})
		},
	}
	flags.register(cmd)
	return cmd
}

// runTask executes kind in process and prints its summary. The summary is
// printed even when the task fails.
func runTask(cmd *cobra.Command, rt *runtime, kind task.Kind) error {
	summary, err := rt.app.Do(cmd.Context(), kind)
	if summary.TaskID != "" {
		if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		rt.app.Logger().Error("task failed", zap.String("kind", kind.Name()), zap.Error(err))
		return fmt.Errorf("%s task: %w", kind.Name(), err)
	}
	return nil
}

// collectCodes merges positional codes with the identifiers extracted from
// file and normalizes them.
func collectCodes(args []string, file string) ([]string, error) {
	codes := append([]string(nil), args...)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read codes file: %w", err)
		}
		codes = append(codes, extract.Process(string(data)).Codes...)
	}
	codes = task.NormalizeCodes(codes)
	if len(codes) == 0 {
		return nil, errors.New("at least one code is required")
	}
	return codes, nil
}
