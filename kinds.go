package nostr

import "strconv"

const (
	KindProfileMetadata         int = 0
	KindTextNote                int = 1
	KindContactList             int = 3
	KindEncryptedDirectMessage  int = 4
	KindDeletion                int = 5
	KindRepost                  int = 6
	KindReaction                int = 7
	KindSeal                    int = 13
	KindDirectMessage           int = 14
	KindGiftWrap                int = 1059
	KindZapRequest              int = 9734
	KindMuteList                int = 10000
	KindRelayListMetadata       int = 10002
	KindClientAuthentication    int = 22242
	KindNostrConnect            int = 24133
	KindHTTPAuth                int = 27235
	KindArticle                 int = 30023
	KindApplicationSpecificData int = 30078
)

var kindNames = map[int]string{
	KindProfileMetadata:         "profile metadata",
	KindTextNote:                "text note",
	KindContactList:             "contact list",
	KindEncryptedDirectMessage:  "encrypted direct message",
	KindDeletion:                "deletion request",
	KindRepost:                  "repost",
	KindReaction:                "reaction",
	KindSeal:                    "seal",
	KindDirectMessage:           "direct message",
	KindGiftWrap:                "gift wrap",
	KindZapRequest:              "zap request",
	KindMuteList:                "mute list",
	KindRelayListMetadata:       "relay list",
	KindClientAuthentication:    "relay authentication",
	KindNostrConnect:            "nostr connect",
	KindHTTPAuth:                "http auth",
	KindArticle:                 "long-form article",
	KindApplicationSpecificData: "application data",
}

// KindName returns a short human description of a kind, used when asking the
// user whether an app may sign it.
func KindName(kind int) string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "kind " + strconv.Itoa(kind)
}

func IsEphemeralKind(kind int) bool {
	return 20000 <= kind && kind < 30000
}
