package browser

import (
	"context"
	"encoding/json"
	"fmt"
)

// Annotation describes one numbered, unlabeled clickable element surfaced
// by Annotate, in the document-order index assigned to it.
type Annotation struct {
	Index    int    `json:"index"`
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
}

// annotatorStyleID, annotatorHighlight and annotatorLabelClass are the DOM markers Clear
// uses to find and remove everything Annotate injected.
const (
	annotatorStyleID    = "__agentflow_annotator_style__"
	annotatorHighlight  = "__agentflow_highlight__"
	annotatorLabelClass = "__agentflow_label__"
)

// Annotator injects highlight/label overlays on the current page's visible
// clickable inventory and extracts it so the vision model can refer to
// elements by stable numeric labels (§4.2). It is idempotent: Annotate
// always clears any prior annotation first.
type Annotator struct {
	driver Driver
}

// NewAnnotator wraps driver.
func NewAnnotator(driver Driver) *Annotator {
	return &Annotator{driver: driver}
}

// Annotate highlights every visible clickable element, labels the ones with
// no natural textual identifier, and returns the labeled set in document
// order. A second call first clears the previous annotation.
func (a *Annotator) Annotate(ctx context.Context) ([]Annotation, error) {
	if err := a.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clear before annotate: %w", err)
	}

	raw, err := a.driver.EvalInPage(ctx, annotateScript)
	if err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "annotate", Err: err}
	}

	var annotations []Annotation
	b, ok := raw.([]byte)
	if !ok {
		s, ok2 := raw.(string)
		if !ok2 {
			return nil, &Error{Class: ErrClassEval, Op: "annotate", Err: fmt.Errorf("unexpected eval result type %T", raw)}
		}
		b = []byte(s)
	}
	if err := json.Unmarshal(b, &annotations); err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "annotate", Err: err}
	}
	return annotations, nil
}

// Clear removes every injected stylesheet and label. Safe to call when no
// annotation is present.
func (a *Annotator) Clear(ctx context.Context) error {
	if _, err := a.driver.EvalInPage(ctx, clearScript); err != nil {
		return &Error{Class: ErrClassEval, Op: "clear_annotation", Err: err}
	}
	return nil
}

// annotateScript implements the visibility check and numbering rule from
// spec §4.2: strict visibility (non-zero size, in viewport, no hidden
// ancestor), red outline on every qualifying clickable, and a numbered
// yellow badge 25px above only the ones lacking a natural textual
// identifier (textContent, aria-label, title, placeholder, value).
// Numbering follows document order among the labeled subset.
const annotateScript = `(function() {
  var SELECTOR = 'a, button, [role="button"], [onclick], input, textarea, select, [tabindex]';
  function isVisible(el) {
    var rect = el.getBoundingClientRect();
    if (rect.width <= 0 || rect.height <= 0) return false;
    if (rect.bottom < 0 || rect.top > window.innerHeight) return false;
    if (rect.right < 0 || rect.left > window.innerWidth) return false;
    var node = el;
    while (node) {
      var style = window.getComputedStyle(node);
      if (style.display === 'none' || style.visibility === 'hidden') return false;
      node = node.parentElement;
    }
    return true;
  }
  function naturalText(el) {
    return (el.textContent || '').trim() ||
      el.getAttribute('aria-label') ||
      el.getAttribute('title') ||
      el.getAttribute('placeholder') ||
      el.value || '';
  }
  var style = document.createElement('style');
  style.id = '` + annotatorStyleID + `';
  style.textContent = '.` + annotatorHighlight + `{outline:2px solid red !important;}' +
    '.` + annotatorLabelClass + `{position:absolute;background:#ffd400;color:#000;' +
    'font:bold 11px sans-serif;padding:1px 4px;border-radius:3px;z-index:2147483647;}';
  document.head.appendChild(style);

  var out = [];
  var idx = 0;
  document.querySelectorAll(SELECTOR).forEach(function(el) {
    if (!isVisible(el)) return;
    el.classList.add('` + annotatorHighlight + `');
    var text = naturalText(el);
    if (text) return;
    idx += 1;
    var rect = el.getBoundingClientRect();
    var badge = document.createElement('div');
    badge.className = '` + annotatorLabelClass + `';
    badge.textContent = String(idx);
    badge.style.left = (rect.left + window.scrollX) + 'px';
    badge.style.top = (rect.top + window.scrollY - 25) + 'px';
    document.body.appendChild(badge);
    out.push({index: idx, tag: el.tagName.toLowerCase(), text: text, selector: ''});
  });
  return JSON.stringify(out);
})()`

// clearScript removes the injected stylesheet, highlight class, and badges.
const clearScript = `(function() {
  var style = document.getElementById('` + annotatorStyleID + `');
  if (style) style.remove();
  document.querySelectorAll('.` + annotatorHighlight + `').forEach(function(el) {
    el.classList.remove('` + annotatorHighlight + `');
  });
  document.querySelectorAll('.` + annotatorLabelClass + `').forEach(function(el) {
    el.remove();
  });
  return null;
})()`
