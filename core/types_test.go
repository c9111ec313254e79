package core

import "testing"

func TestUserPublicKeysHistoryAndCurrentness(t *testing.T) {
	u := &User{
		UserId: UserId{1},
		UserPublicKeys: []UserPublicKeyEntry{
			{PublicKey: PublicKey{1}, Index: 0},
			{PublicKey: PublicKey{2}, Index: 10},
			{PublicKey: PublicKey{3}, Index: 20},
		},
	}

	cur, ok := u.CurrentUserKey()
	if !ok || cur != (PublicKey{3}) {
		t.Fatalf("CurrentUserKey = %v, %v", cur, ok)
	}

	// §8 invariant 4: UserPublicKeys.length == 1 + count(v2 revocations).
	if len(u.UserPublicKeys) != 3 {
		t.Fatalf("expected 3 entries (1 genesis + 2 rotations), got %d", len(u.UserPublicKeys))
	}

	cases := []struct {
		pub   PublicKey
		index uint64
		want  bool
	}{
		{PublicKey{1}, 0, true},
		{PublicKey{1}, 9, true},
		{PublicKey{1}, 10, false}, // superseded exactly at index 10
		{PublicKey{2}, 10, true},
		{PublicKey{2}, 19, true},
		{PublicKey{2}, 20, false},
		{PublicKey{3}, 20, true},
		{PublicKey{3}, 1000, true},
		{PublicKey{9}, 5, false}, // never a key of this user
	}
	for _, c := range cases {
		if got := u.HasUserKeyAtIndex(c.pub, c.index); got != c.want {
			t.Errorf("HasUserKeyAtIndex(%v, %d) = %v, want %v", c.pub, c.index, got, c.want)
		}
	}
}

func TestDeviceRevocationFiniteness(t *testing.T) {
	d := &Device{RevokedAt: revokedAtInfinity}
	if d.IsRevoked() {
		t.Fatal("fresh device must not be revoked")
	}
	if d.IsRevokedAt(1_000_000) {
		t.Fatal("fresh device must never be revoked at any index")
	}

	d.RevokedAt = 5
	if !d.IsRevoked() {
		t.Fatal("device with finite RevokedAt must be revoked")
	}
	if d.IsRevokedAt(4) {
		t.Fatal("device must not be revoked before its revocation index")
	}
	if !d.IsRevokedAt(5) || !d.IsRevokedAt(6) {
		t.Fatal("device must be revoked at and after its revocation index")
	}
}

func TestNonRevokedDevices(t *testing.T) {
	u := &User{Devices: map[DeviceId]*Device{
		{1}: {DeviceId: DeviceId{1}, RevokedAt: revokedAtInfinity},
		{2}: {DeviceId: DeviceId{2}, RevokedAt: 3},
		{3}: {DeviceId: DeviceId{3}, RevokedAt: revokedAtInfinity},
	}}
	got := u.NonRevokedDevices(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 non-revoked devices at index 10, got %d", len(got))
	}
	got = u.NonRevokedDevices(2)
	if len(got) != 3 {
		t.Fatalf("expected 3 non-revoked devices at index 2 (before device 2's revocation), got %d", len(got))
	}
}
