package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// textImageAnswer is the JSON shape the vision model is asked to return
// when reading a text/image CAPTCHA: the field to type into and the answer.
type textImageAnswer struct {
	Field  string `json:"field"`
	Answer string `json:"answer"`
}

const textImageSystemPrompt = `You are reading a text/image CAPTCHA challenge from a full-page screenshot. ` +
	`Reply with only a JSON object {"field": "<placeholder or label text of the input to type the answer into>", "answer": "<the challenge answer>"}. ` +
	`If you cannot find a challenge, reply {"field": "", "answer": ""}.`

// trySolveTextImage implements §4.4 strategy 3: screenshot the page, ask the
// vision model to locate the input field and extract the answer, type it via
// typer, and submit.
func (h *Handler) trySolveTextImage(ctx context.Context, typer Typer) (bool, error) {
	if typer == nil {
		return false, fmt.Errorf("captcha: text/image strategy requires a Typer")
	}

	var shot []byte
	err := h.session.Do(func(d browser.Driver) error {
		data, shotErr := d.Screenshot(ctx)
		if shotErr != nil {
			return shotErr
		}
		shot = data
		return nil
	})
	if err != nil {
		return false, err
	}

	reply, err := h.askVision(ctx, textImageSystemPrompt, "Locate and solve the CAPTCHA challenge.", []types.ImageContent{imageFromJPEG(shot)})
	if err != nil {
		return false, err
	}

	answer, ok := parseTextImageAnswer(reply)
	if !ok || answer.Field == "" || answer.Answer == "" {
		return false, nil
	}

	if err := typer.Type(ctx, answer.Field, answer.Answer, true); err != nil {
		return false, err
	}
	return true, nil
}

// parseTextImageAnswer extracts the {field, answer} object from the model's
// reply, tolerating surrounding prose or a fenced code block.
func parseTextImageAnswer(reply string) (textImageAnswer, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return textImageAnswer{}, false
	}
	var out textImageAnswer
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return textImageAnswer{}, false
	}
	return out, true
}
