package nip46

import (
	"slices"
	"strconv"
	"strings"
)

// PermissionID is the key under which a decision about this method is stored.
// Signing is authorized per event kind, everything else per method.
func PermissionID(m Method) string {
	if se, ok := m.(SignEvent); ok {
		return SignEventPermission(se.Event.Kind)
	}
	return m.Tag()
}

func SignEventPermission(kind int) string {
	return MethodSignEvent + ":" + strconv.Itoa(kind)
}

// ParsePermissions reads a comma-separated permission list as found in connect requests
// and nostrconnect:// uris, like "nip44_encrypt,sign_event:1". Entries that name an
// unknown method or carry an invalid kind are skipped, duplicates are removed.
func ParsePermissions(list string) []string {
	perms := make([]string, 0, 4)
	for _, p := range trimList(list) {
		if !IsValidPermission(p) {
			continue
		}
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	return perms
}

// IsValidPermission checks a single permission id.
func IsValidPermission(perm string) bool {
	method, param, hasParam := strings.Cut(perm, ":")
	switch method {
	case MethodSignEvent:
		if !hasParam {
			return false
		}
		kind, err := strconv.Atoi(param)
		return err == nil && kind >= 0 && kind <= 65535
	case MethodConnect, MethodPing, MethodGetPublicKey, MethodGetRelays, MethodSwitchRelays,
		MethodNip04Encrypt, MethodNip04Decrypt, MethodNip44Encrypt, MethodNip44Decrypt:
		return !hasParam
	default:
		return false
	}
}

// FormatPermissions is the inverse of ParsePermissions.
func FormatPermissions(perms []string) string {
	return strings.Join(perms, ",")
}
