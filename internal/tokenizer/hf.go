package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	FileName       = "tokenizer.json"
	ConfigFileName = "tokenizer_config.json"
)

// HF is a tokenizer loaded from a tokenizer.json file. It is safe for
// concurrent use.
type HF struct {
	tokens  []string
	special []bool
	vocab   map[string]int
	added   []addedToken

	model        *bpe
	byteFallback bool
	fuseUnk      bool
	unkID        int

	normalizers []func(string) string
	pretok      []preStep
	decoders    []decodeStep

	prefix, suffix []int
	bosID, eosID   int
	padID          int
}

type addedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	Special    bool   `json:"special"`
	LStrip     bool   `json:"lstrip"`
	RStrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		ByteFallback bool           `json:"byte_fallback"`
		FuseUnk      bool           `json:"fuse_unk"`
		UnkToken     *string        `json:"unk_token"`
	} `json:"model"`
	Normalizer    *component   `json:"normalizer"`
	PreTokenizer  *component   `json:"pre_tokenizer"`
	PostProcessor *component   `json:"post_processor"`
	Decoder       *component   `json:"decoder"`
	AddedTokens   []addedToken `json:"added_tokens"`
}

// component is the union of the normalizer, pre-tokenizer, post-processor
// and decoder objects that can appear in tokenizer.json.
type component struct {
	Type    string `json:"type"`
	Pattern struct {
		String *string `json:"String"`
		Regex  string  `json:"Regex"`
	} `json:"pattern"`
	Content        string          `json:"content"`
	Prepend        string          `json:"prepend"`
	Replacement    string          `json:"replacement"`
	PrependScheme  string          `json:"prepend_scheme"`
	AddPrefixSpace *bool           `json:"add_prefix_space"`
	UseRegex       *bool           `json:"use_regex"`
	Split          *bool           `json:"split"`
	Behavior       string          `json:"behavior"`
	Individual     bool            `json:"individual_digits"`
	Left           bool            `json:"left"`
	Right          bool            `json:"right"`
	Start          int             `json:"start"`
	Stop           int             `json:"stop"`
	Normalizers    []component     `json:"normalizers"`
	Pretokenizers  []component     `json:"pretokenizers"`
	Decoders       []component     `json:"decoders"`
	Processors     []component     `json:"processors"`
	Single         []templatePiece `json:"single"`
	SpecialTokens  map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

// flatten expands Sequence components into their children.
func (c *component) flatten() []component {
	if c == nil {
		return nil
	}
	var kids []component
	switch c.Type {
	case "Sequence":
		kids = append(append(append(append(kids, c.Normalizers...), c.Pretokenizers...), c.Decoders...), c.Processors...)
	default:
		return []component{*c}
	}
	var out []component
	for i := range kids {
		out = append(out, kids[i].flatten()...)
	}
	return out
}

// Option customises loading.
type Option func(*loadOptions)

type loadOptions struct {
	cacheSize uint64
}

// WithCacheSize bounds the memoised BPE words; 0 disables the cache.
func WithCacheSize(n uint64) Option {
	return func(o *loadOptions) { o.cacheSize = n }
}

// Load reads tokenizer.json and, when present, tokenizer_config.json from dir.
func Load(dir string, opts ...Option) (*HF, error) {
	tokJSON, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return FromBytes(tokJSON, cfg, opts...)
}

// FromBytes builds a tokenizer from tokenizer.json and optional
// tokenizer_config.json contents.
func FromBytes(tokJSON, tokConfig []byte, opts ...Option) (*HF, error) {
	o := loadOptions{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("%w: model type %q", ErrUnsupportedModel, tj.Model.Type)
	}
	cfg, err := ParseConfig(tokConfig)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}

	t := &HF{
		vocab:        make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		byteFallback: tj.Model.ByteFallback,
		fuseUnk:      tj.Model.FuseUnk,
		unkID:        -1,
		bosID:        -1,
		eosID:        -1,
		padID:        -1,
	}
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("parse %s: negative id for %q", FileName, tok)
		}
		t.vocab[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			return nil, fmt.Errorf("parse %s: invalid added token %+v", FileName, at)
		}
		t.vocab[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	t.tokens = make([]string, maxID+1)
	t.special = make([]bool, maxID+1)
	for tok, id := range tj.Model.Vocab {
		t.tokens[id] = tok
	}
	for _, at := range tj.AddedTokens {
		t.tokens[at.ID] = at.Content
		t.special[at.ID] = at.Special
	}
	t.added = append(t.added, tj.AddedTokens...)
	sort.SliceStable(t.added, func(i, j int) bool { return len(t.added[i].Content) > len(t.added[j].Content) })

	if tj.Model.UnkToken != nil {
		if id, ok := t.vocab[*tj.Model.UnkToken]; ok {
			t.unkID = id
		}
	}
	t.model = newBPE(t.vocab, parseMerges(tj.Model.Merges), tj.Model.IgnoreMerges, o.cacheSize)

	if t.normalizers, err = buildNormalizers(tj.Normalizer); err != nil {
		return nil, err
	}
	if t.pretok, err = buildPreTokenizers(tj.PreTokenizer); err != nil {
		return nil, err
	}
	if t.decoders, err = buildDecoders(tj.Decoder); err != nil {
		return nil, err
	}
	t.applySpecials(tj.PostProcessor, cfg)
	return t, nil
}

// applySpecials resolves BOS/EOS/PAD and the ids wrapped around every
// encoding. A TemplateProcessing post-processor wins over the add_*_token
// flags of tokenizer_config.json.
func (t *HF) applySpecials(post *component, cfg Config) {
	lookup := func(tok tokenField) int {
		if tok == "" {
			return -1
		}
		if id, ok := t.vocab[string(tok)]; ok {
			return id
		}
		return -1
	}
	t.bosID, t.eosID, t.padID = lookup(cfg.BOS), lookup(cfg.EOS), lookup(cfg.PAD)
	if t.unkID < 0 {
		t.unkID = lookup(cfg.UNK)
	}

	for _, p := range post.flatten() {
		if p.Type != "TemplateProcessing" || len(p.Single) == 0 {
			continue
		}
		seen := false
		for _, piece := range p.Single {
			switch {
			case piece.Sequence != nil:
				seen = true
			case piece.SpecialToken != nil:
				ids := p.SpecialTokens[piece.SpecialToken.ID].IDs
				if !seen {
					t.prefix = append(t.prefix, ids...)
				} else {
					t.suffix = append(t.suffix, ids...)
				}
			}
		}
		if len(t.prefix) > 0 && t.bosID < 0 {
			t.bosID = t.prefix[0]
		}
		return
	}

	if cfg.AddBOS != nil && *cfg.AddBOS && t.bosID >= 0 {
		t.prefix = []int{t.bosID}
	}
	if cfg.AddEOS != nil && *cfg.AddEOS && t.eosID >= 0 {
		t.suffix = []int{t.eosID}
	}
}

// Encode tokenizes text, wrapping it with the configured special tokens.
func (t *HF) Encode(text string) (Encoding, error) {
	ids := append([]int(nil), t.prefix...)
	for i, part := range t.splitAdded(text) {
		if part.added >= 0 {
			ids = append(ids, part.added)
			continue
		}
		var err error
		ids, err = t.encodeSection(ids, part.text, i == 0)
		if err != nil {
			return Encoding{}, err
		}
	}
	ids = append(ids, t.suffix...)
	return newEncoding(ids), nil
}

func (t *HF) encodeSection(ids []int, text string, first bool) ([]int, error) {
	for _, norm := range t.normalizers {
		text = norm(text)
	}
	words := []string{text}
	for _, step := range t.pretok {
		words = step(words, first)
	}
	lastUnk := false
	for _, w := range words {
		if w == "" {
			continue
		}
		for _, piece := range t.model.merge(w) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
				lastUnk = false
				continue
			}
			if t.byteFallback {
				if fb, ok := t.byteIDs(piece); ok {
					ids = append(ids, fb...)
					lastUnk = false
					continue
				}
			}
			if t.unkID < 0 {
				return nil, fmt.Errorf("tokenizer: no token for %q and no unk token", piece)
			}
			if !(t.fuseUnk && lastUnk) {
				ids = append(ids, t.unkID)
			}
			lastUnk = true
		}
	}
	return ids, nil
}

func (t *HF) byteIDs(piece string) ([]int, bool) {
	out := make([]int, 0, len(piece))
	for i := 0; i < len(piece); i++ {
		id, ok := t.vocab[fmt.Sprintf("<0x%02X>", piece[i])]
		if !ok {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

type section struct {
	text  string
	added int
}

// splitAdded cuts text around added tokens, longest match first.
func (t *HF) splitAdded(text string) []section {
	if len(t.added) == 0 {
		return []section{{text: text, added: -1}}
	}
	var out []section
	start := 0
	for i := 0; i < len(text); {
		var match *addedToken
		for j := range t.added {
			if strings.HasPrefix(text[i:], t.added[j].Content) {
				match = &t.added[j]
				break
			}
		}
		if match == nil {
			i++
			continue
		}
		prev := text[start:i]
		if match.LStrip {
			prev = strings.TrimRight(prev, " \t\n\r")
		}
		if prev != "" {
			out = append(out, section{text: prev, added: -1})
		}
		out = append(out, section{added: match.ID})
		i += len(match.Content)
		if match.RStrip {
			for i < len(text) && strings.IndexByte(" \t\n\r", text[i]) >= 0 {
				i++
			}
		}
		start = i
	}
	if start < len(text) {
		out = append(out, section{text: text[start:], added: -1})
	}
	return out
}

// Decode turns ids back into text. With skipSpecial, special added tokens
// are dropped.
func (t *HF) Decode(ids []int, skipSpecial bool) (string, error) {
	toks := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			return "", fmt.Errorf("tokenizer: token id out of range: %d", id)
		}
		if skipSpecial && t.special[id] {
			continue
		}
		toks = append(toks, t.tokens[id])
	}
	for _, step := range t.decoders {
		toks = step(toks)
	}
	return strings.Join(toks, ""), nil
}

func (t *HF) BOSID() int { return t.bosID }
func (t *HF) EOSID() int { return t.eosID }
func (t *HF) PadID() int { return t.padID }

// VocabSize is one past the largest token id.
func (t *HF) VocabSize() int { return len(t.tokens) }

// IsSpecial reports whether id is a special added token.
func (t *HF) IsSpecial(id int) bool {
	return id >= 0 && id < len(t.special) && t.special[id]
}

// TokenID looks up the id of a token string.
func (t *HF) TokenID(tok string) (int, bool) {
	id, ok := t.vocab[tok]
	return id, ok
}

func (t *HF) TokenString(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return ""
	}
	return t.tokens[id]
}
