package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
)

const (
	maxTopicLen        = 500
	maxTutorContextLen = 2000
	maxTutorMessageLen = 4000
	maxTutorMessages   = 50
)

const tutorOpening = `You are a Socratic tutor for helping me learn about a computer science topic. The topic is given in the previous message.

If the topic is broad and it could take more than one chat session to cover all aspects of it, please ask me to clarify what, specifically, I'm attempting to learn about it.

I will not understand a lot of detail at once, so I need you to carefully add a small amount at a time. I don't want you to just tell me how something works directly, but rather start by asking me about what I do know and prompting me from there to help me develop my understanding. Before moving on, always ask me to answer a question or solve a problem with these characteristics:
 - Answering correctly requires understanding the current topic well.
 - The answer is not found in what you have told me.
 - I can reasonably be expected to answer correctly given what I seem to know so far.`

const tutorMonologue = `[Internal monologue] I am a Socratic tutor. I am trying to help the user learn a topic by leading them to understanding, not by telling them things directly. I should never ask if they understand something; instead I check their understanding with a question they can only answer correctly if they understand the concept, and that I have not already answered myself. Only when they apply the knowledge correctly do I move on to the next piece of information.

I can use Markdown formatting in my responses.`

// tutorRequest is one chat round. Messages is the conversation so far, as
// returned by the previous round plus the student's new message.
type tutorRequest struct {
	Topic    string               `json:"topic"`
	Context  string               `json:"context"`
	Messages []completion.Message `json:"messages"`
}

func (t tutorRequest) validate() error {
	if strings.TrimSpace(t.Topic) == "" {
		return errors.New("topic is required")
	}
	if len(t.Topic) > maxTopicLen || len(t.Context) > maxTutorContextLen {
		return errors.New("topic or context is too long")
	}
	if len(t.Messages) > maxTutorMessages {
		return fmt.Errorf("a chat holds at most %d messages", maxTutorMessages)
	}
	for i, m := range t.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("message %d: role must be user or assistant", i)
		}
		if strings.TrimSpace(m.Content) == "" || len(m.Content) > maxTutorMessageLen {
			return fmt.Errorf("message %d: content must be 1 to %d characters", i, maxTutorMessageLen)
		}
	}
	if n := len(t.Messages); n > 0 && t.Messages[n-1].Role != "user" {
		return errors.New("the last message must be the student's")
	}
	return nil
}

// conversation frames the chat with the tutor instructions: the topic and
// opening as the student, optional context, then the history and the
// tutor's monologue.
func (t tutorRequest) conversation() []completion.Message {
	out := []completion.Message{
		{Role: "user", Content: strings.TrimSpace(t.Topic)},
		{Role: "user", Content: tutorOpening},
	}
	if c := strings.TrimSpace(t.Context); c != "" {
		out = append(out, completion.Message{Role: "assistant", Content: "I have this additional context about teaching the user this topic:\n\n" + c})
	}
	out = append(out, t.Messages...)
	return append(out, completion.Message{Role: "assistant", Content: tutorMonologue})
}

// HandleTutor runs one round of a tester-only Socratic tutor chat. The
// credential is resolved like any help request.
func (s *Server) HandleTutor(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireTester(auth)) {
		return
	}
	var in tutorRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, d, ok := s.complete(w, r, auth, false, completion.Request{Messages: in.conversation()}, completion.ModelFast)
	if !ok {
		return
	}
	history := append(in.Messages, completion.Message{Role: "assistant", Content: res.Text})
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"response": res.Text,
		"source":   d.Source,
		"messages": history,
	})
}
