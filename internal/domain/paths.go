package domain

import "path"

// Signaling store layout. Both peers of a connection derive the same paths from these.

func RoomPath(room RoomID) string {
	return path.Join("rooms", string(room))
}

func StatusPath(room RoomID) string {
	return path.Join(RoomPath(room), "status")
}

func MetaPath(room RoomID) string {
	return path.Join(RoomPath(room), "meta")
}

func ParticipantsPath(room RoomID) string {
	return path.Join(RoomPath(room), "participants")
}

func ParticipantPath(room RoomID, pid ParticipantID) string {
	return path.Join(ParticipantsPath(room), string(pid))
}

func OffersPath(room RoomID) string {
	return path.Join(RoomPath(room), "webrtc", "offers")
}

func OfferPath(room RoomID, pid ParticipantID) string {
	return path.Join(OffersPath(room), string(pid))
}

// PeerPath is the per-participant signaling subtree (answer and both candidate lists).
func PeerPath(room RoomID, pid ParticipantID) string {
	return path.Join(RoomPath(room), "webrtc", string(pid))
}

func AnswerPath(room RoomID, pid ParticipantID) string {
	return path.Join(PeerPath(room, pid), "answer")
}

func ListenerCandidatesPath(room RoomID, pid ParticipantID) string {
	return path.Join(PeerPath(room, pid), "listenerIceCandidates")
}

func HostCandidatesPath(room RoomID, pid ParticipantID) string {
	return path.Join(PeerPath(room, pid), "hostIceCandidates")
}
