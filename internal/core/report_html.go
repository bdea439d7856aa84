package core

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

// reportComponent renders the HTML summary shown in task status pages.
// Messages sit in a collapsible block keyed by the task id.
func reportComponent(r *Report) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		id := r.TaskID
		if id == "" {
			id = r.RunID
		}

		if _, err := fmt.Fprintf(w, `<div class="import-report"><h4>%s <small>%s</small></h4>`,
			templ.EscapeString(r.Model), templ.EscapeString(r.Source)); err != nil {
			return err
		}
		if r.Error != "" {
			if _, err := fmt.Fprintf(w, `<p class="text-danger">%s</p>`, templ.EscapeString(r.Error)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, `<p>%s</p><p>%s</p>`,
			templ.EscapeString(r.Summary()), templ.EscapeString(r.Breakdown())); err != nil {
			return err
		}
		if r.DeletionRan {
			if _, err := fmt.Fprintf(w, `<p>%d deleted.</p>`, r.Deleted); err != nil {
				return err
			}
		}

		msgs := r.Messages()
		if len(msgs) == 0 {
			_, err := io.WriteString(w, `</div>`)
			return err
		}

		if _, err := fmt.Fprintf(w,
			`<a data-toggle="collapse" href="#collapse-%s">%d messages</a><div id="collapse-%s" class="collapse"><ul>`,
			templ.EscapeString(id), len(msgs), templ.EscapeString(id)); err != nil {
			return err
		}
		for _, msg := range msgs {
			if _, err := fmt.Fprintf(w, `<li>%s</li>`, templ.EscapeString(msg)); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</ul></div></div>`)
		return err
	})
}
