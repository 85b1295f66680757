package supportbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

const modsLoadedHeader = "# Mods Loaded"

var loadedModPattern = regexp.MustCompile(`^\[([^\]]+)\]\[(.+) \(([^()]+)\)\]$`)

// ignoredModNames are bundled with the loader, update themselves, or
// report placeholder versions, so their version says nothing useful
var ignoredModNames = map[string]struct{}{
	"minecraft coder pack":       {},
	"mcp":                        {},
	"forge mod loader":           {},
	"fml":                        {},
	"minecraft forge":            {},
	"forge":                      {},
	"essential":                  {},
	"oneconfig":                  {},
	"chattriggers":               {},
	"mixinbooter":                {},
	"hypixel mod api":            {},
	"skyblock dungeon map (dev)": {},
}

var ignoredFilePrefixes = []string{
	"minecraft.jar",
	"forge-",
	"forgebin",
	"essential-",
	"oneconfig-",
}

// unknownLoaderFile is what mods which weren't loaded from a jar in the
// mods folder report as their file
const unknownLoaderFile = "unknown"

// ModStatus is the result of checking one loaded mod against the catalog
type ModStatus int

const (
	ModUpToDate ModStatus = iota
	ModUpdateAvailable
	ModUnknownVersion
	ModUnknownMod
	ModToRemove
	ModIgnored
)

var modStatusNames = map[ModStatus]string{
	ModUpToDate:        "UP_TO_DATE",
	ModUpdateAvailable: "UPDATE_AVAILABLE",
	ModUnknownVersion:  "UNKNOWN_VERSION",
	ModUnknownMod:      "UNKNOWN_MOD",
	ModToRemove:        "TO_REMOVE",
	ModIgnored:         "IGNORED",
}

var modStatusOrder = []ModStatus{
	ModToRemove,
	ModUpdateAvailable,
	ModUnknownVersion,
	ModUnknownMod,
	ModUpToDate,
	ModIgnored,
}

func (s ModStatus) String() string {
	if name, ok := modStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ModStatus(%d)", int(s))
}

func (s ModStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LoadedMod is one line of a "Mods Loaded" block
type LoadedMod struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	Version  string `json:"version"`
}

// ParseModsLoaded finds the "# Mods Loaded" header in text and parses
// the mod lines after it. Parsing stops at the first line which doesn't
// match, so anything pasted after the list is ignored. The second
// return value is false if there's no header.
func ParseModsLoaded(text string) ([]LoadedMod, bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	found := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == modsLoadedHeader {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	var mods []LoadedMod
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" && len(mods) == 0 {
			continue
		}
		m := loadedModPattern.FindStringSubmatch(line)
		if m == nil {
			break
		}
		mods = append(
			mods, LoadedMod{
				Name:     strings.TrimSpace(m[1]),
				FileName: strings.TrimSpace(m[2]),
				Version:  strings.TrimSpace(m[3]),
			},
		)
	}
	return mods, true
}

// ContainsModsLoaded is a cheap check for whether ParseModsLoaded could
// find anything in text
func ContainsModsLoaded(text string) bool {
	return strings.Contains(text, modsLoadedHeader)
}

// ModResult is the classification of one LoadedMod
type ModResult struct {
	Mod          LoadedMod `json:"mod"`
	Status       ModStatus `json:"status"`
	Latest       string    `json:"latest,omitempty"`
	DownloadLink string    `json:"download,omitempty"`
	Note         string    `json:"note,omitempty"`
}

func (r ModResult) String() string {
	switch r.Status {
	case ModUpdateAvailable:
		s := fmt.Sprintf("%s: %s -> %s", r.Mod.Name, r.Mod.Version, r.Latest)
		if r.DownloadLink != "" {
			s += fmt.Sprintf(" (<%s>)", r.DownloadLink)
		}
		return s
	case ModToRemove:
		return fmt.Sprintf("%s: %s", r.Mod.Name, r.Note)
	default:
		s := fmt.Sprintf("%s %s (%s)", r.Mod.Name, r.Mod.Version, r.Mod.FileName)
		if r.Note != "" {
			s += ": " + r.Note
		}
		return s
	}
}

func isIgnoredMod(name string, fileName string) bool {
	if _, ok := ignoredModNames[name]; ok {
		return true
	}
	lowerFile := strings.ToLower(fileName)
	for _, prefix := range ignoredFilePrefixes {
		if strings.HasPrefix(lowerFile, prefix) {
			return true
		}
	}
	return false
}

// classifyMod checks one mod against the catalog. The checks run in a
// fixed order, and the first that applies decides the status.
func classifyMod(catalog *ModCatalog, mod LoadedMod) ModResult {
	result := ModResult{Mod: mod}
	name := normalizeModName(mod.Name)

	if isIgnoredMod(name, mod.FileName) {
		result.Status = ModIgnored
		return result
	}

	if strings.EqualFold(mod.FileName, unknownLoaderFile) {
		result.Status = ModUnknownMod
		result.Note = "not loaded from a file in the mods folder"
		return result
	}

	entries := catalog.Lookup(name)
	if len(entries) == 0 {
		result.Status = ModUnknownMod
		return result
	}

	for _, e := range entries {
		if e.SuppressReason != "" {
			result.Status = ModToRemove
			result.Note = e.SuppressReason
			return result
		}
	}

	var latestStable, latestBeta *ModCatalogEntry
	knownVersion := false
	currentIsBeta := false
	for i := range entries {
		e := &entries[i]
		if e.IsLatestInChannel {
			switch e.Channel {
			case ChannelStable:
				latestStable = e
			case ChannelBeta:
				latestBeta = e
			}
		}
		if e.Version == mod.Version {
			knownVersion = true
			if e.Channel == ChannelBeta {
				currentIsBeta = true
			}
		}
	}

	if (latestStable != nil && latestStable.Version == mod.Version) ||
		(latestBeta != nil && latestBeta.Version == mod.Version) {
		result.Status = ModUpToDate
		return result
	}

	if !knownVersion {
		result.Status = ModUnknownVersion
		result.Note = "version not in the catalog, possibly a modified build"
		return result
	}

	target := latestStable
	if (currentIsBeta && latestBeta != nil) || target == nil {
		target = latestBeta
	}
	if target == nil {
		// every cataloged version is known but none is marked latest
		result.Status = ModUnknownVersion
		result.Note = "no latest version in the catalog"
		return result
	}
	result.Status = ModUpdateAvailable
	result.Latest = target.Version
	result.DownloadLink = target.DownloadLink
	return result
}

// ModReport is the result of classifying a "Mods Loaded" block
type ModReport struct {
	Results []ModResult `json:"results"`
}

func (r *ModReport) ByStatus(status ModStatus) []ModResult {
	var results []ModResult
	for _, res := range r.Results {
		if res.Status == status {
			results = append(results, res)
		}
	}
	return results
}

func (r *ModReport) Counts() map[ModStatus]int {
	counts := map[ModStatus]int{}
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

func writeSection(sb *strings.Builder, title string, results []ModResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(sb, "**%s** (%d)\n", title, len(results))
	for _, res := range results {
		fmt.Fprintf(sb, "- %s\n", res)
	}
}

// PublicSummary lists outdated mods and mods that should be removed.
// It's empty if there's nothing to report.
func (r *ModReport) PublicSummary() string {
	var sb strings.Builder
	writeSection(&sb, "Outdated mods", r.ByStatus(ModUpdateAvailable))
	writeSection(&sb, "Mods to remove", r.ByStatus(ModToRemove))
	return strings.TrimSpace(sb.String())
}

// SupportSummary lists mods and versions missing from the catalog, for
// the support channel. It's empty if there's nothing to report.
func (r *ModReport) SupportSummary() string {
	var sb strings.Builder
	writeSection(&sb, "Unknown mods", r.ByStatus(ModUnknownMod))
	writeSection(&sb, "Unknown versions", r.ByStatus(ModUnknownVersion))
	return strings.TrimSpace(sb.String())
}

// DebugDump lists every status, including empty ones
func (r *ModReport) DebugDump() string {
	var sb strings.Builder
	counts := r.Counts()
	fmt.Fprintf(&sb, "Parsed %d mods\n", len(r.Results))
	for _, status := range modStatusOrder {
		fmt.Fprintf(&sb, "**%s** (%d)\n", status, counts[status])
		for _, res := range r.ByStatus(status) {
			fmt.Fprintf(&sb, "- %s\n", res)
		}
	}
	return strings.TrimSpace(sb.String())
}

// ModVersionClassifier classifies "Mods Loaded" blocks against the mod
// catalog. The catalog is replaced as a whole on reload, and readers
// always see a complete snapshot. Only one reload runs at a time; a
// reload requested while another is running is rejected with
// ErrReloadInProgress rather than queued.
type ModVersionClassifier struct {
	source   CatalogSource
	snapshot atomic.Pointer[ModCatalog]
	loading  atomic.Bool
	logger   *slog.Logger
	now      func() time.Time
}

func NewModVersionClassifier(source CatalogSource, logger *slog.Logger) *ModVersionClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModVersionClassifier{
		source: source,
		logger: logger.With(loggerNameKey, "mod_classifier"),
		now:    time.Now,
	}
}

// Catalog returns the current snapshot, or nil if none has loaded
func (c *ModVersionClassifier) Catalog() *ModCatalog {
	return c.snapshot.Load()
}

func (c *ModVersionClassifier) Reloading() bool {
	return c.loading.Load()
}

// Reload fetches the catalog and swaps it in.
func (c *ModVersionClassifier) Reload(ctx context.Context) (*ModCatalog, error) {
	if !c.loading.CompareAndSwap(false, true) {
		return nil, ErrReloadInProgress
	}
	defer c.loading.Store(false)

	started := c.now()
	entries, err := c.source.FetchModCatalog(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "error loading mod catalog", tint.Err(err))
		if !errors.Is(err, ErrExternalService) {
			err = fmt.Errorf("%w: %w", ErrExternalService, err)
		}
		return nil, err
	}

	catalog := newModCatalog(entries, c.now().UTC())
	c.snapshot.Store(catalog)
	c.logger.InfoContext(
		ctx,
		"loaded mod catalog",
		"entries", len(entries),
		"mods", catalog.ModCount(),
		"elapsed", time.Since(started),
	)
	return catalog, nil
}

// ensureLoaded returns the current catalog, loading it first if it
// never has been
func (c *ModVersionClassifier) ensureLoaded(ctx context.Context) (*ModCatalog, error) {
	if catalog := c.snapshot.Load(); catalog != nil {
		return catalog, nil
	}
	catalog, err := c.Reload(ctx)
	if errors.Is(err, ErrReloadInProgress) {
		return nil, ErrCatalogNotLoaded
	}
	return catalog, err
}

// Classify parses text and classifies every mod in it. It returns a nil
// report if text has no "Mods Loaded" block.
func (c *ModVersionClassifier) Classify(ctx context.Context, text string) (*ModReport, error) {
	mods, ok := ParseModsLoaded(text)
	if !ok {
		return nil, nil
	}
	catalog, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return ClassifyMods(catalog, mods), nil
}

// ClassifyMods classifies mods against catalog
func ClassifyMods(catalog *ModCatalog, mods []LoadedMod) *ModReport {
	report := &ModReport{Results: make([]ModResult, 0, len(mods))}
	for _, mod := range mods {
		report.Results = append(report.Results, classifyMod(catalog, mod))
	}
	return report
}
