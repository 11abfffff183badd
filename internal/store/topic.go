package store

import "github.com/nfornj/USVisaChat-sub000/internal/models"

// ResolveTopic returns the thread root a reply to parent must carry: the
// parent's own topic when it is already part of a chain, otherwise the parent
// id itself. Computed once at write time; readers never walk the chain.
func ResolveTopic(parent *models.Message) string {
	if parent.TopicID != nil && *parent.TopicID != "" {
		return *parent.TopicID
	}
	return parent.ID
}
