package protocol

// MergeOutcome describes what the merge rule decided for one conversation.
type MergeOutcome int

const (
	// OutcomeNew means the conversation was unknown locally and the remote
	// record was accepted wholesale.
	OutcomeNew MergeOutcome = iota

	// OutcomeRemoteAccepted means the remote record won and replaced the
	// local one.
	OutcomeRemoteAccepted

	// OutcomeLocalKept means the local record won; the incoming record is a
	// no-op.
	OutcomeLocalKept
)

// MergeResult carries the merged record and how it was decided. Conflict is
// set when both sides carried the same version and the tie-break order had to
// decide; it is informational, never an error.
type MergeResult struct {
	Record   ConversationRecord
	Outcome  MergeOutcome
	Conflict bool
	Winner   string
}

// Merge reconciles a remote conversation record against the local one under
// a deterministic total order over three keys:
//
//  1. higher version wins;
//  2. on equal versions, later LastModified wins;
//  3. on equal timestamps, the lexically greater SourceBackend wins.
//
// The order is total, so two peers merging each other's records converge on
// the same winner regardless of which side runs the comparison. The winning
// side's message list replaces the loser's wholesale; merging the same
// payload twice therefore yields identical state, and the version is never
// bumped by a merge.
func Merge(local *ConversationRecord, remote ConversationRecord) MergeResult {
	remote = remote.Clone()
	remote.Messages = DedupeMessages(remote.Messages)

	if local == nil {
		return MergeResult{
			Record:  remote,
			Outcome: OutcomeNew,
			Winner:  remote.SourceBackend,
		}
	}

	switch {
	case remote.Version > local.Version:
		return MergeResult{
			Record:  remote,
			Outcome: OutcomeRemoteAccepted,
			Winner:  remote.SourceBackend,
		}
	case remote.Version < local.Version:
		return MergeResult{
			Record:  local.Clone(),
			Outcome: OutcomeLocalKept,
			Winner:  local.SourceBackend,
		}
	}

	// Equal versions: tie-break by timestamp, then by source backend.
	remoteWins := false
	switch {
	case remote.LastModified.After(local.LastModified):
		remoteWins = true
	case remote.LastModified.Before(local.LastModified):
		remoteWins = false
	default:
		remoteWins = remote.SourceBackend > local.SourceBackend
	}

	if remoteWins {
		return MergeResult{
			Record:   remote,
			Outcome:  OutcomeRemoteAccepted,
			Conflict: true,
			Winner:   remote.SourceBackend,
		}
	}

	// Identical records land here too: keeping local is the no-op that makes
	// re-applying a payload idempotent.
	conflict := !remote.LastModified.Equal(local.LastModified) || remote.SourceBackend != local.SourceBackend
	return MergeResult{
		Record:   local.Clone(),
		Outcome:  OutcomeLocalKept,
		Conflict: conflict,
		Winner:   local.SourceBackend,
	}
}
