// Package reconcile merges the static curriculum with per-topic progress
// state into the view read by the rest of the application.
//
// Reconcile is a pure function: it performs no I/O and never mutates its
// inputs. Every pass is a full recompute, so running it again after any
// change always produces a view consistent with both sources.
package reconcile

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/taxonomy"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

// MergedTopic is a static topic combined with its progress state.
type MergedTopic struct {
	ID          string
	Title       string
	SubjectID   string
	GroupID     string
	Status      types.Status
	Note        string
	Images      []types.MediaAttachment
	LastUpdated time.Time

	// HasState is false when no state was stored and defaults were used.
	HasState bool

	// Extra holds state fields with no static counterpart.
	Extra map[string]json.RawMessage
}

// MarshalJSON flattens the topic into one object. Dynamic fields win over
// static ones of the same name.
func (m MergedTopic) MarshalJSON() ([]byte, error) {
	state := types.TopicState{
		ID:          m.ID,
		Status:      m.Status,
		Note:        m.Note,
		Images:      m.Images,
		LastUpdated: m.LastUpdated,
		Extra:       make(map[string]json.RawMessage, len(m.Extra)+1),
	}
	title, _ := json.Marshal(m.Title)
	state.Extra["title"] = title
	for k, v := range m.Extra {
		state.Extra[k] = v
	}
	return state.MarshalJSON()
}

// MergedSubject mirrors taxonomy.Subject with merged topics.
type MergedSubject struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Topics []MergedTopic `json:"topics"`
}

// MergedGroup mirrors taxonomy.Group with merged subjects.
type MergedGroup struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Subjects []MergedSubject `json:"subjects"`
}

// MergedTaxonomy is the structurally identical tree produced by Reconcile.
type MergedTaxonomy struct {
	Groups []MergedGroup `json:"groups"`
}

// Reconcile merges every static topic with its state from states, keyed by
// canonical topic id. Topics without state get the default: not started,
// no images. States for ids absent from tax are ignored.
func Reconcile(tax *taxonomy.Taxonomy, states map[string]types.TopicState) MergedTaxonomy {
	out := MergedTaxonomy{Groups: make([]MergedGroup, 0, len(tax.Groups))}
	for _, g := range tax.Groups {
		mg := MergedGroup{ID: g.ID, Title: g.Title, Subjects: make([]MergedSubject, 0, len(g.Subjects))}
		for _, s := range g.Subjects {
			ms := MergedSubject{ID: s.ID, Title: s.Title, Topics: make([]MergedTopic, 0, len(s.Topics))}
			for _, t := range s.Topics {
				ms.Topics = append(ms.Topics, mergeTopic(g.ID, s.ID, t, states))
			}
			mg.Subjects = append(mg.Subjects, ms)
		}
		out.Groups = append(out.Groups, mg)
	}
	return out
}

func mergeTopic(groupID, subjectID string, t taxonomy.Topic, states map[string]types.TopicState) MergedTopic {
	m := MergedTopic{
		ID:        t.ID,
		Title:     t.Title,
		SubjectID: subjectID,
		GroupID:   groupID,
		Status:    types.StatusNotStarted,
		Images:    []types.MediaAttachment{},
	}

	key, err := types.NormalizeID(t.ID)
	if err != nil {
		return m
	}
	state, ok := states[key]
	if !ok {
		return m
	}

	m.HasState = true
	m.Status = state.Status.Normalize()
	m.Note = state.Note
	if state.Images != nil {
		m.Images = state.Images
	}
	m.LastUpdated = state.LastUpdated
	for k, v := range state.Extra {
		if k == "title" {
			var title string
			if json.Unmarshal(v, &title) == nil {
				m.Title = title
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return m
}

// Topics returns every merged topic in display order.
func (m MergedTaxonomy) Topics() []MergedTopic {
	var out []MergedTopic
	for _, g := range m.Groups {
		for _, s := range g.Subjects {
			out = append(out, s.Topics...)
		}
	}
	return out
}

// Topic looks up a merged topic by id.
func (m MergedTaxonomy) Topic(id string) (MergedTopic, bool) {
	for _, g := range m.Groups {
		for _, s := range g.Subjects {
			for _, t := range s.Topics {
				if t.ID == id {
					return t, true
				}
			}
		}
	}
	return MergedTopic{}, false
}

// Progress counts topics per status. Every status is present in the map.
func (m MergedTaxonomy) Progress() map[types.Status]int {
	counts := make(map[types.Status]int, len(types.Statuses()))
	for _, s := range types.Statuses() {
		counts[s] = 0
	}
	for _, t := range m.Topics() {
		counts[t.Status]++
	}
	return counts
}

// StatesFromRecords decodes topic records into the lookup Reconcile takes.
// Records that fail to decode are skipped with a warning.
//
// If logger is nil, a default logger writing to stderr is used.
func StatesFromRecords(recs []types.Record, logger *log.Logger) map[string]types.TopicState {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	states := make(map[string]types.TopicState, len(recs))
	for _, rec := range recs {
		var st types.TopicState
		if err := json.Unmarshal(rec.Data, &st); err != nil {
			logger.Printf("WARNING: Skipping undecodable topic %s: %v", rec.ID, err)
			continue
		}
		st.SetDefaults()
		states[st.ID] = st
	}
	return states
}
