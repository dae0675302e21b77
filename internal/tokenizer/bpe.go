package tokenizer

import (
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

// Pair represents a pair of BPE tokens.
type Pair struct {
	A string
	B string
}

// DefaultCacheSize bounds the number of words whose merges are memoised.
const DefaultCacheSize = 10000

type bpe struct {
	vocab        map[string]int
	ranks        map[Pair]int
	ignoreMerges bool
	cache        *ttlcache.Cache[string, []string]
}

func newBPE(vocab map[string]int, ranks map[Pair]int, ignoreMerges bool, cacheSize uint64) *bpe {
	b := &bpe{vocab: vocab, ranks: ranks, ignoreMerges: ignoreMerges}
	if cacheSize > 0 {
		b.cache = ttlcache.New[string, []string](
			ttlcache.WithCapacity[string, []string](cacheSize),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		)
	}
	return b
}

// parseMerges accepts both the "a b" and ["a", "b"] merge encodings. Earlier
// merges have lower rank.
func parseMerges(raw []any) map[Pair]int {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for _, m := range raw {
		var p Pair
		switch v := m.(type) {
		case string:
			a, b, ok := strings.Cut(strings.TrimSpace(v), " ")
			if !ok || a == "" || b == "" || strings.HasPrefix(v, "#") {
				continue
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				continue
			}
			p = Pair{A: a, B: b}
		default:
			continue
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

// merge splits word into runes and applies merges, lowest rank first, until
// none applies.
func (b *bpe) merge(word string) []string {
	if b.cache != nil {
		if item := b.cache.Get(word); item != nil {
			return item.Value()
		}
	}
	var out []string
	if _, ok := b.vocab[word]; ok && b.ignoreMerges {
		out = []string{word}
	} else {
		out = b.mergeRunes(word)
	}
	if b.cache != nil {
		b.cache.Set(word, out, ttlcache.DefaultTTL)
	}
	return out
}

func (b *bpe) mergeRunes(word string) []string {
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}
	for len(parts) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(parts); i++ {
			if rank, ok := b.ranks[Pair{A: parts[i], B: parts[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		parts = mergePair(parts, Pair{A: parts[best], B: parts[best+1]})
	}
	return parts
}

func mergePair(word []string, pair Pair) []string {
	out := word[:0:0]
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// bytesToUnicode maps bytes to unicode strings to make byte-level BPE
// reversible.
func bytesToUnicode() (map[byte]string, map[rune]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	present := make(map[int]bool, len(bs))
	for _, v := range bs {
		present[v] = true
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !present[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	enc := make(map[byte]string, len(bs))
	dec := make(map[rune]byte, len(bs))
	for i := range bs {
		enc[byte(bs[i])] = string(rune(cs[i]))
		dec[rune(cs[i])] = byte(bs[i])
	}
	return enc, dec
}
