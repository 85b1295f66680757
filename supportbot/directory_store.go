package supportbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
)

const (
	identifierKindKeyword = "keyword"
	identifierKindName    = "name"
	identifierKindAlias   = "alias"
)

var (
	inviteLinkPattern = regexp.MustCompile(
		`(?i)(?:https?://)?(?:www\.)?(?:discord\.gg|discord(?:app)?\.com/invite)/([a-z0-9-]+)`,
	)
	errServerNotFound = errors.New("server not found")
)

// DirectoryEntry is a community server listed in the directory.
type DirectoryEntry struct {
	Keyword     string   `json:"keyword"`
	DisplayName string   `json:"name"`
	InviteLink  string   `json:"invite,omitempty"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases,omitempty"`
}

func (e DirectoryEntry) clone() DirectoryEntry {
	e.Aliases = slices.Clone(e.Aliases)
	return e
}

// DirectoryStore holds the server directory: canonical entries keyed
// by keyword, plus an alias index pointing at those keywords. An alias
// never shadows a keyword, and never points at more than one entry.
type DirectoryStore struct {
	db      DBI
	mu      sync.RWMutex
	entries map[string]*DirectoryEntry
	aliases map[string]string
	invites map[string]string
	logger  *slog.Logger
}

func NewDirectoryStore(db DBI, logger *slog.Logger) *DirectoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryStore{
		db:      db,
		entries: map[string]*DirectoryEntry{},
		aliases: map[string]string{},
		invites: map[string]string{},
		logger:  logger.With(loggerNameKey, "directory_store"),
	}
}

// inviteCode returns the lowercased invite code from a discord invite
// URL, or an empty string if link isn't one.
func inviteCode(link string) string {
	m := inviteLinkPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Load replaces the cache with the contents of the servers and
// server_aliases tables.
func (s *DirectoryStore) Load(ctx context.Context) error {
	var servers []Server
	if err := s.db.Find(ctx, &servers); err != nil {
		return storageError("load servers", err)
	}
	var aliases []ServerAlias
	if err := s.db.Find(ctx, &aliases); err != nil {
		return storageError("load server aliases", err)
	}

	entries := make(map[string]*DirectoryEntry, len(servers))
	invites := map[string]string{}
	for _, srv := range servers {
		entry := &DirectoryEntry{
			Keyword:     srv.Keyword,
			DisplayName: srv.DisplayName,
			Description: srv.Description,
		}
		if srv.InviteLink != nil {
			entry.InviteLink = *srv.InviteLink
			if code := inviteCode(entry.InviteLink); code != "" {
				if owner, ok := invites[code]; !ok || srv.Keyword < owner {
					invites[code] = srv.Keyword
				}
			}
		}
		entries[srv.Keyword] = entry
	}

	aliasIndex := make(map[string]string, len(aliases))
	for _, a := range aliases {
		entry, ok := entries[a.ServerKeyword]
		if !ok {
			s.logger.WarnContext(
				ctx,
				"skipping alias for missing server",
				"alias", a.Alias,
				"server", a.ServerKeyword,
			)
			continue
		}
		aliasIndex[a.Alias] = a.ServerKeyword
		entry.Aliases = append(entry.Aliases, a.Alias)
	}
	for _, entry := range entries {
		sort.Strings(entry.Aliases)
	}

	s.mu.Lock()
	s.entries = entries
	s.aliases = aliasIndex
	s.invites = invites
	s.mu.Unlock()

	s.logger.InfoContext(
		ctx,
		"loaded servers",
		"servers", len(entries),
		"aliases", len(aliasIndex),
	)
	return nil
}

// Upsert inserts or replaces the entry with the given keyword. Aliases
// on entry are ignored; the entry keeps the aliases it already has.
func (s *DirectoryStore) Upsert(ctx context.Context, entry DirectoryEntry) (bool, error) {
	entry.Keyword = normalizeKeyword(entry.Keyword)
	entry.DisplayName = strings.TrimSpace(entry.DisplayName)
	entry.InviteLink = strings.TrimSpace(entry.InviteLink)
	entry.Description = strings.TrimSpace(entry.Description)

	switch {
	case entry.Keyword == "":
		return false, validationErrorf("Server keyword can't be empty.")
	case entry.DisplayName == "":
		return false, validationErrorf("Server name can't be empty.")
	case entry.InviteLink != "" && inviteCode(entry.InviteLink) == "":
		return false, validationErrorf("'%s' is not a discord invite link.", entry.InviteLink)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, isAlias := s.aliases[entry.Keyword]; isAlias {
		return false, validationErrorf(
			"'%s' is already an alias of '%s'.",
			entry.Keyword,
			owner,
		)
	}

	row := &Server{
		Keyword:     entry.Keyword,
		DisplayName: entry.DisplayName,
		Description: entry.Description,
	}
	if entry.InviteLink != "" {
		row.InviteLink = &entry.InviteLink
	}
	if _, err := s.db.Upsert(
		ctx,
		row,
		[]string{columnServerKeyword},
		[]string{columnServerDisplayName, columnServerInviteLink, columnServerDescription},
	); err != nil {
		s.logger.ErrorContext(ctx, "error saving server", "server", entry.Keyword, tint.Err(err))
		return false, storageError("save server", err)
	}

	var oldCode string
	if existing, ok := s.entries[entry.Keyword]; ok {
		entry.Aliases = existing.Aliases
		oldCode = inviteCode(existing.InviteLink)
	} else {
		entry.Aliases = nil
	}
	s.entries[entry.Keyword] = &entry
	s.reindexInvite(oldCode)
	s.reindexInvite(inviteCode(entry.InviteLink))
	return true, nil
}

// reindexInvite points code at the entry that owns it: the entry with
// the smallest keyword whose invite link has that code. Load picks the
// same owner. Callers hold the write lock.
func (s *DirectoryStore) reindexInvite(code string) {
	if code == "" {
		return
	}
	owner := ""
	for keyword, e := range s.entries {
		if inviteCode(e.InviteLink) != code {
			continue
		}
		if owner == "" || keyword < owner {
			owner = keyword
		}
	}
	if owner == "" {
		delete(s.invites, code)
		return
	}
	s.invites[code] = owner
}

// Get looks up an entry by keyword or alias, ignoring case.
func (s *DirectoryStore) Get(nameOrAlias string) (DirectoryEntry, bool) {
	key := normalizeKeyword(nameOrAlias)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if keyword, ok := s.aliases[key]; ok {
		key = keyword
	}
	entry, ok := s.entries[key]
	if !ok {
		return DirectoryEntry{}, false
	}
	return entry.clone(), true
}

// GetByInvite returns the entry whose invite link has the same invite
// code as link.
func (s *DirectoryStore) GetByInvite(link string) (DirectoryEntry, bool) {
	code := inviteCode(link)
	if code == "" {
		return DirectoryEntry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keyword, ok := s.invites[code]
	if !ok {
		return DirectoryEntry{}, false
	}
	entry, ok := s.entries[keyword]
	if !ok {
		return DirectoryEntry{}, false
	}
	return entry.clone(), true
}

// FindInvite returns the first entry whose invite link appears in text
func (s *DirectoryStore) FindInvite(text string) (DirectoryEntry, bool) {
	for _, link := range inviteLinkPattern.FindAllString(text, -1) {
		if entry, ok := s.GetByInvite(link); ok {
			return entry, true
		}
	}
	return DirectoryEntry{}, false
}

// Delete removes the entry and all of its aliases, reporting whether
// the entry existed.
func (s *DirectoryStore) Delete(ctx context.Context, keyword string) (bool, error) {
	keyword = normalizeKeyword(keyword)
	if keyword == "" {
		return false, validationErrorf("Server keyword can't be empty.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where(
				columnAliasServerKeyword+" = ?",
				keyword,
			).Delete(&ServerAlias{}).Error; err != nil {
				return err
			}
			rv := tx.Where(columnServerKeyword+" = ?", keyword).Delete(&Server{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return errServerNotFound
			}
			return nil
		},
	)
	switch {
	case errors.Is(err, errServerNotFound):
		return false, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "error deleting server", "server", keyword, tint.Err(err))
		return false, storageError("delete server", err)
	}

	if entry, ok := s.entries[keyword]; ok {
		for _, alias := range entry.Aliases {
			delete(s.aliases, alias)
		}
		delete(s.entries, keyword)
		s.reindexInvite(inviteCode(entry.InviteLink))
	}
	return true, nil
}

// AddAlias links alias to the entry with the given keyword. It returns
// false if the entry doesn't exist, or if alias already resolves to
// any entry.
func (s *DirectoryStore) AddAlias(ctx context.Context, keyword string, alias string) (
	bool,
	error,
) {
	keyword = normalizeKeyword(keyword)
	alias = normalizeKeyword(alias)
	if keyword == "" || alias == "" {
		return false, validationErrorf("Server keyword and alias can't be empty.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[keyword]
	if !ok {
		return false, nil
	}
	if _, taken := s.entries[alias]; taken {
		return false, nil
	}
	if _, taken := s.aliases[alias]; taken {
		return false, nil
	}

	if _, err := s.db.Create(
		ctx,
		&ServerAlias{Alias: alias, ServerKeyword: keyword},
	); err != nil {
		s.logger.ErrorContext(
			ctx,
			"error saving alias",
			"server", keyword,
			"alias", alias,
			tint.Err(err),
		)
		return false, storageError("save alias", err)
	}

	s.aliases[alias] = keyword
	aliases := append(slices.Clone(entry.Aliases), alias)
	sort.Strings(aliases)
	entry.Aliases = aliases
	return true, nil
}

// RemoveAlias unlinks alias from the entry with the given keyword,
// returning false if that link didn't exist.
func (s *DirectoryStore) RemoveAlias(
	ctx context.Context,
	keyword string,
	alias string,
) (bool, error) {
	keyword = normalizeKeyword(keyword)
	alias = normalizeKeyword(alias)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aliases[alias] != keyword {
		return false, nil
	}

	rows, err := s.db.Delete(
		ctx,
		&ServerAlias{},
		columnAliasAlias+" = ? AND "+columnAliasServerKeyword+" = ?",
		alias,
		keyword,
	)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"error deleting alias",
			"server", keyword,
			"alias", alias,
			tint.Err(err),
		)
		return false, storageError("delete alias", err)
	}
	if rows == 0 {
		return false, nil
	}

	delete(s.aliases, alias)
	if entry, ok := s.entries[keyword]; ok {
		entry.Aliases = slices.DeleteFunc(
			slices.Clone(entry.Aliases),
			func(a string) bool { return a == alias },
		)
	}
	return true, nil
}

// List returns every canonical entry, sorted by keyword
func (s *DirectoryStore) List() []DirectoryEntry {
	s.mu.RLock()
	entries := make([]DirectoryEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry.clone())
	}
	s.mu.RUnlock()

	sort.Slice(
		entries, func(i, j int) bool {
			return entries[i].Keyword < entries[j].Keyword
		},
	)
	return entries
}

func (s *DirectoryStore) Len() (servers int, aliases int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), len(s.aliases)
}

// IdentifierUse is one place an identifier appears: an entry's
// keyword, its display name, or one of its aliases.
type IdentifierUse struct {
	Keyword string `json:"keyword"`
	Kind    string `json:"kind"`
}

// DuplicateGroup is an identifier used by more than one IdentifierUse
type DuplicateGroup struct {
	Identifier string          `json:"identifier"`
	Uses       []IdentifierUse `json:"uses"`
}

func (g DuplicateGroup) String() string {
	parts := make([]string, 0, len(g.Uses))
	for _, u := range g.Uses {
		parts = append(parts, fmt.Sprintf("%s of '%s'", u.Kind, u.Keyword))
	}
	return fmt.Sprintf("'%s': %s", g.Identifier, strings.Join(parts, ", "))
}

// Duplicates reports identifiers shared across entries. An entry
// whose display name is the same as its keyword is not reported.
func (s *DirectoryStore) Duplicates() []DuplicateGroup {
	s.mu.RLock()
	uses := map[string][]IdentifierUse{}
	for keyword, entry := range s.entries {
		uses[keyword] = append(
			uses[keyword],
			IdentifierUse{Keyword: keyword, Kind: identifierKindKeyword},
		)
		name := strings.ToLower(entry.DisplayName)
		uses[name] = append(
			uses[name],
			IdentifierUse{Keyword: keyword, Kind: identifierKindName},
		)
		for _, alias := range entry.Aliases {
			uses[alias] = append(
				uses[alias],
				IdentifierUse{Keyword: keyword, Kind: identifierKindAlias},
			)
		}
	}
	s.mu.RUnlock()

	var groups []DuplicateGroup
	for identifier, u := range uses {
		if len(u) < 2 {
			continue
		}
		if len(u) == 2 && u[0].Keyword == u[1].Keyword && isKeywordNamePair(u[0], u[1]) {
			continue
		}
		sort.Slice(
			u, func(i, j int) bool {
				if u[i].Keyword != u[j].Keyword {
					return u[i].Keyword < u[j].Keyword
				}
				return u[i].Kind < u[j].Kind
			},
		)
		groups = append(groups, DuplicateGroup{Identifier: identifier, Uses: u})
	}
	sort.Slice(
		groups, func(i, j int) bool {
			return groups[i].Identifier < groups[j].Identifier
		},
	)
	return groups
}

func isKeywordNamePair(a, b IdentifierUse) bool {
	return (a.Kind == identifierKindKeyword && b.Kind == identifierKindName) ||
		(a.Kind == identifierKindName && b.Kind == identifierKindKeyword)
}

// ImportReport summarizes a DirectoryStore.Import
type ImportReport struct {
	Servers   int      `json:"servers"`
	Aliases   int      `json:"aliases"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Import upserts every entry and links its aliases. Entries and aliases
// that conflict with existing ones are skipped and listed in the
// report. A storage failure stops the import.
func (s *DirectoryStore) Import(ctx context.Context, entries []DirectoryEntry) (
	ImportReport,
	error,
) {
	var report ImportReport
	for _, entry := range entries {
		if _, err := s.Upsert(ctx, entry); err != nil {
			if errors.Is(err, ErrValidation) {
				report.Conflicts = append(
					report.Conflicts,
					fmt.Sprintf("%s: %s", entry.Keyword, userMessage(err)),
				)
				continue
			}
			return report, err
		}
		report.Servers++

		keyword := normalizeKeyword(entry.Keyword)
		for _, alias := range entry.Aliases {
			if existing, ok := s.Get(alias); ok && existing.Keyword == keyword {
				continue
			}
			added, err := s.AddAlias(ctx, keyword, alias)
			if err != nil && !errors.Is(err, ErrValidation) {
				return report, err
			}
			if !added {
				report.Conflicts = append(
					report.Conflicts,
					fmt.Sprintf("%s: alias '%s' is already in use", keyword, alias),
				)
				continue
			}
			report.Aliases++
		}
	}
	s.logger.InfoContext(
		ctx,
		"imported servers",
		"servers", report.Servers,
		"aliases", report.Aliases,
		"conflicts", len(report.Conflicts),
	)
	return report, nil
}

// ImportServerFile imports a server catalog file into db, as the
// serversync command would. It's used to seed a new database.
func ImportServerFile(ctx context.Context, db *gorm.DB, data []byte, logger *slog.Logger) (
	ImportReport,
	error,
) {
	entries, err := decodeServerFeed(data)
	if err != nil {
		return ImportReport{}, err
	}
	store := NewDirectoryStore(NewDatabase(db, logger, false), logger)
	if err = store.Load(ctx); err != nil {
		return ImportReport{}, err
	}
	return store.Import(ctx, entries)
}
