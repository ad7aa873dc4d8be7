package instructions

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

const (
	FallbackPrompt = "No instruction files found. Default behaviour: act like a helpful assistant."
	readFailure    = "Could not read instructions! Default behaviour: act like a helpful assistant."

	previewLen = 300
)

var (
	ErrInvalidFilename    = errors.New("invalid filename")
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	ErrNoFiles            = errors.New("no files specified for deletion")
)

var allowedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".pdf": true,
	".csv": true, ".txt": true, ".json": true, ".mp4": true,
}

// Store owns the instructions directory: its *.txt files make up the system
// prompt, and any allowed file can be uploaded or removed.
type Store struct {
	dir string
	log zerolog.Logger
}

func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) EnsureDir() error {
	return os.MkdirAll(s.dir, 0o755)
}

// Reload reads every *.txt file in name order and joins the trimmed,
// non-empty contents with a blank line. It never fails.
func (s *Store) Reload() string {
	prompt, err := s.combine()
	if err != nil {
		s.log.Warn().Err(err).Str("dir", s.dir).Msg("read instructions")
		return fmt.Sprintf("%s (%v)", readFailure, err)
	}
	if prompt == "" {
		return FallbackPrompt
	}
	return prompt
}

func (s *Store) combine() (string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.txt"))
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		if t := strings.TrimSpace(string(b)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// List returns the names of regular files in the directory, sorted. A
// missing directory is an empty list.
func (s *Store) List() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Save stores r under a sanitized, unused variant of name and returns the
// name actually used.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	original := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if original == "" || original == "." || original == "/" {
		return "", ErrInvalidFilename
	}
	if !allowedExt[strings.ToLower(filepath.Ext(original))] {
		return "", ErrFileTypeNotAllowed
	}
	sanitized := secureFilename(original)
	if sanitized == "" {
		return "", ErrInvalidFilename
	}
	if err := s.EnsureDir(); err != nil {
		return "", err
	}

	ext := filepath.Ext(sanitized)
	base := strings.TrimSuffix(sanitized, ext)
	candidate := sanitized
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(s.dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		s.log.Info().Str("file", candidate).Msg("instruction file saved")
		return candidate, nil
	}
}

type DeleteResult struct {
	Deleted []string `json:"deleted"`
	Errors  []string `json:"errors"`
}

// Delete removes the named files. Names are reduced to their base so they
// cannot escape the directory; per-file failures are collected.
func (s *Store) Delete(names []string) (DeleteResult, error) {
	if len(names) == 0 {
		return DeleteResult{}, ErrNoFiles
	}
	res := DeleteResult{Deleted: []string{}, Errors: []string{}}
	for _, n := range names {
		safe := filepath.Base(strings.ReplaceAll(n, "\\", "/"))
		path := filepath.Join(s.dir, safe)
		if safe == "." || safe == "/" {
			res.Errors = append(res.Errors, fmt.Sprintf("File not found: %s", safe))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("File not found: %s", safe))
			continue
		}
		if err := os.Remove(path); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Error deleting %s: %v", safe, err))
			continue
		}
		res.Deleted = append(res.Deleted, safe)
	}
	s.log.Info().Strs("deleted", res.Deleted).Int("errors", len(res.Errors)).Msg("instruction files deleted")
	return res, nil
}

type Snapshot struct {
	UploadFolder  string   `json:"upload_folder"`
	Exists        bool     `json:"exists"`
	Files         []string `json:"files"`
	PromptPreview string   `json:"prompt_preview"`
	PromptLength  int      `json:"prompt_length"`
}

// Describe reports the directory state and the prompt it currently yields.
func (s *Store) Describe() Snapshot {
	snap := Snapshot{UploadFolder: s.dir, Files: []string{}}
	if st, err := os.Stat(s.dir); err == nil && st.IsDir() {
		snap.Exists = true
		if files, err := s.List(); err == nil {
			snap.Files = files
		}
	}
	prompt := s.Reload()
	snap.PromptLength = len([]rune(prompt))
	snap.PromptPreview = truncateRunes(prompt, previewLen)
	return snap
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// secureFilename reduces name to ASCII letters, digits, '_', '.' and '-'.
// Whitespace runs become a single '_'; leading and trailing '.' and '_' are
// dropped. The result may be empty.
func secureFilename(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	s := b.String()
	s = strings.NewReplacer("/", " ", "\\", " ").Replace(s)
	s = strings.Join(strings.Fields(s), "_")
	s = unsafeChars.ReplaceAllString(s, "")
	return strings.Trim(s, "._")
}
