package inference

import (
	"fmt"

	"github.com/samcharles93/hfgen/internal/logits"
	"github.com/samcharles93/hfgen/internal/model"
	"github.com/samcharles93/hfgen/internal/tokenizer"
)

// The helpers below turn panics from the tokenizer, model and sampler into
// errors so a bad checkpoint cannot crash the process mid-run.

func safeReset(m model.Model) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Reset: %v", rec)
		}
	}()
	m.Reset()
	return nil
}

func safeForward(m model.Model, id int) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardToken: %v", rec)
		}
	}()
	return m.ForwardToken(id)
}

func safeSample(s *logits.Sampler, vec []float32, history []int) (id int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(vec, history), nil
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (enc tokenizer.Encoding, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids, true)
}
