package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// Kind is the closed set of task variants. Each variant carries its own
// launch parameters.
type Kind interface {
	// Name is the stable lowercase kind name used by the CLI and HTTP API.
	Name() string
	historyKind() crawler.TaskKind
	targets() []string
	finishedStage() progress.Stage
}

// Auto crawls listing pages starting at StartURL.
type Auto struct {
	StartURL     string              `json:"start_url"`
	WithImage    bool                `json:"with_image"`
	Config       crawler.CrawlConfig `json:"crawl_config"`
	MaxPageDepth int                 `json:"max_page_depth,omitempty"`
}

// Batch crawls a fixed list of codes.
type Batch struct {
	Codes     []string            `json:"codes"`
	WithImage bool                `json:"with_image"`
	Config    crawler.CrawlConfig `json:"crawl_config"`
}

// PullRemote copies the remote catalog's slim rows into the local store.
type PullRemote struct{}

// Idol uploads images for remote idols that lack one.
type Idol struct {
	Config crawler.CrawlConfig `json:"crawl_config"`
}

// Submit pushes cached records and their images to the remote partner.
type Submit struct {
	Codes []string `json:"codes"`
}

// Update reconciles cached records against a fresh crawl.
type Update struct {
	Codes  []string            `json:"codes"`
	Config crawler.CrawlConfig `json:"crawl_config"`
}

// Kind names.
const (
	NameAuto   = "auto"
	NameBatch  = "batch"
	NamePull   = "pull"
	NameIdol   = "idol"
	NameSubmit = "submit"
	NameUpdate = "update"
)

// Name implements Kind.
func (Auto) Name() string { return NameAuto }

// Name implements Kind.
func (Batch) Name() string { return NameBatch }

// Name implements Kind.
func (PullRemote) Name() string { return NamePull }

// Name implements Kind.
func (Idol) Name() string { return NameIdol }

// Name implements Kind.
func (Submit) Name() string { return NameSubmit }

// Name implements Kind.
func (Update) Name() string { return NameUpdate }

func (Auto) historyKind() crawler.TaskKind       { return crawler.TaskCrawl }
func (Batch) historyKind() crawler.TaskKind      { return crawler.TaskCrawl }
func (PullRemote) historyKind() crawler.TaskKind { return crawler.TaskPull }
func (Idol) historyKind() crawler.TaskKind       { return crawler.TaskCrawl }
func (Submit) historyKind() crawler.TaskKind     { return crawler.TaskSubmit }
func (Update) historyKind() crawler.TaskKind     { return crawler.TaskUpdate }

func (Auto) finishedStage() progress.Stage       { return progress.StageBatchFinished }
func (Batch) finishedStage() progress.Stage      { return progress.StageBatchFinished }
func (PullRemote) finishedStage() progress.Stage { return progress.StagePullFailed }
func (Idol) finishedStage() progress.Stage       { return progress.StageIdolFailed }
func (Submit) finishedStage() progress.Stage     { return progress.StageSubmitFinished }
func (Update) finishedStage() progress.Stage     { return progress.StageUpdateFinished }

// Auto, PullRemote and Idol discover their targets while running; the task
// row gains them when the run ends.
func (Auto) targets() []string       { return nil }
func (k Batch) targets() []string    { return k.Codes }
func (PullRemote) targets() []string { return nil }
func (Idol) targets() []string       { return nil }
func (k Submit) targets() []string   { return k.Codes }
func (k Update) targets() []string   { return k.Codes }

// NormalizeCodes trims, upper-cases, and de-duplicates codes, keeping order
// and dropping blanks.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = crawler.NormalizeCode(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

// Validate checks the launch parameters of kind.
func Validate(kind Kind) error {
	switch k := kind.(type) {
	case Auto:
		if !strings.HasPrefix(k.StartURL, "http://") && !strings.HasPrefix(k.StartURL, "https://") {
			return fmt.Errorf("auto: start_url must be an http(s) URL, got %q", k.StartURL)
		}
	case Batch:
		if len(k.Codes) == 0 {
			return errors.New("batch: at least one code is required")
		}
	case Submit:
		if len(k.Codes) == 0 {
			return errors.New("submit: at least one code is required")
		}
	case Update:
		if len(k.Codes) == 0 {
			return errors.New("update: at least one code is required")
		}
	case PullRemote, Idol:
	case nil:
		return errors.New("task kind is required")
	default:
		return fmt.Errorf("unknown task kind %T", kind)
	}
	return nil
}
