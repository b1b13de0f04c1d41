// Package handlers holds what the task handlers share: payload decoding and
// the shape of a batch summary.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"seoflow/internal/batch"
	"seoflow/internal/domain"
	"seoflow/internal/retry"
)

// Strings decodes argument i as either one string or a list of strings.
// Blank entries are dropped. A malformed or empty argument is a permanent error.
func Strings(p domain.Payload, i int) ([]string, error) {
	if i < 0 || i >= len(p.Args) {
		return nil, retry.Permanent(fmt.Errorf("missing argument %d", i))
	}
	var list []string
	if err := json.Unmarshal(p.Args[i], &list); err != nil {
		var one string
		if err := json.Unmarshal(p.Args[i], &one); err != nil {
			return nil, retry.Permanent(fmt.Errorf("argument %d must be a string or a list of strings", i))
		}
		list = []string{one}
	}
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, retry.Permanent(fmt.Errorf("argument %d is empty", i))
	}
	return out, nil
}

// Keywords reads the optional "keywords" option.
func Keywords(p domain.Payload) ([]string, error) {
	var kw []string
	if _, err := p.Option("keywords", &kw); err != nil {
		return nil, retry.Permanent(err)
	}
	return kw, nil
}

// Items turns keys into batch items sharing the same keywords.
func Items(keys, keywords []string) []batch.Item {
	items := make([]batch.Item, len(keys))
	for i, k := range keys {
		items[i] = batch.Item{Key: k, Keywords: keywords}
	}
	return items
}

// Summary is the task result stored for a batch run.
func Summary(res batch.Result) domain.Result {
	failed := map[string]string{}
	for _, it := range res.Items {
		if it.State == batch.Failed {
			failed[it.Key] = it.Reason
		}
	}
	out := domain.Result{
		"total":     res.Counts.Total,
		"succeeded": res.Counts.Succeeded,
		"skipped":   res.Counts.Skipped,
		"failed":    res.Counts.Failed,
	}
	if len(failed) > 0 {
		out["errors"] = failed
	}
	return out
}

// Outcome converts a batch result into a handler return. A batch that produced
// nothing is a recoverable error so the task gets retried.
func Outcome(res batch.Result) (domain.Result, error) {
	if err := res.Err(); err != nil {
		return Summary(res), err
	}
	return Summary(res), nil
}
