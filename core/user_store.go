package core

// User/device store queries — read-side helpers shared by the resource-key
// manager and the key-publish planner, layered over the UserTable contract
// so callers never need to know the table's internal key scheme.

import "context"

// GetDeviceWithOwner resolves a device id to both its owning User and the
// Device record itself.
func GetDeviceWithOwner(ctx context.Context, users UserTable, deviceId DeviceId) (*User, *Device, error) {
	owner, err := users.GetDeviceOwner(ctx, deviceId)
	if err != nil {
		return nil, nil, err
	}
	user, err := users.GetUser(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	dev, ok := user.Devices[deviceId]
	if !ok {
		return nil, nil, NewError(ErrResourceNotFound, "device not found on owning user")
	}
	return user, dev, nil
}

// CurrentUserEncryptionKey returns userId's current public encryption key,
// i.e. the key new key-publish-to-user blocks must seal against.
func CurrentUserEncryptionKey(ctx context.Context, users UserTable, userId UserId) (PublicKey, error) {
	user, err := users.GetUser(ctx, userId)
	if err != nil {
		return PublicKey{}, err
	}
	pub, ok := user.CurrentUserKey()
	if !ok {
		return PublicKey{}, invalidBlock(BlockErrMissingUserKeys, 0, userId.Hex(), "user has no current key")
	}
	return pub, nil
}
