package redisstore

import (
	"pkg.world.dev/world-engine/worldstore/types"
)

// The script builds the same keys from the namespace it is passed. These
// helpers exist for the direct reads done outside the script.

func (s *Store) entityKey(id types.EntityID) string {
	return s.namespace + ":e:" + id.String()
}

func (s *Store) versionKey(id types.EntityID) string {
	return s.namespace + ":v:" + id.String()
}

func (s *Store) tickKey() string {
	return s.namespace + ":tick"
}

func (s *Store) streamKey() string {
	return s.namespace + ":stream"
}

func (s *Store) eventsKey() string {
	return s.namespace + ":events"
}

func (s *Store) leaderboardKey(kind string) string {
	return s.namespace + ":lb:" + kind
}
