package handlers

import (
	"log/slog"
	"net/http"
)

type homePageData struct {
	Messages []message
	Busy     bool
	Prompts  []string
}

// welcomePrompts fill the input when clicked on the welcome screen.
var welcomePrompts = []string{
	"I need emergency shelter assistance",
	"Where can I find food distribution centers?",
	"How do I apply for emergency aid?",
	"What mental health resources are available?",
}

// HandleHome renders the chat page with the current transcript, or the welcome screen when the chat
// is empty.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	busy := m.session.Busy()
	data := homePageData{
		Messages: toViews(m.session.Messages(), busy),
		Busy:     busy,
		Prompts:  welcomePrompts,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
