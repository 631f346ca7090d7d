package users

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/angelmondragon/storefront-backend/pkg/security/fieldcrypt"
)

type fakeRevoker struct {
	revoked []uuid.UUID
}

func (f *fakeRevoker) RevokeAll(_ context.Context, userID uuid.UUID) error {
	f.revoked = append(f.revoked, userID)
	return nil
}

func testKeyring(t *testing.T) *fieldcrypt.Keyring {
	t.Helper()
	keys, err := fieldcrypt.NewKeyring(map[int][]byte{1: []byte("users-test-secret")}, 1, []byte("bidx"))
	require.NoError(t, err)
	return keys
}

func seedUser(t *testing.T, r *Repository, keys *fieldcrypt.Keyring, email string, phone *string) *UserDTO {
	t.Helper()
	model, err := CreateUserDTO{
		Email:        email,
		PasswordHash: "hash",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Phone:        phone,
	}.ToModel(keys)
	require.NoError(t, err)
	require.NoError(t, r.Create(context.Background(), model))
	dto, err := FromModel(model, keys)
	require.NoError(t, err)
	return dto
}

func TestRepositoryStoresPhoneEncrypted(t *testing.T) {
	db := dbtest.Open(t)
	keys := testKeyring(t)
	r := NewRepository(db)
	phone := "+1 555 0100"
	dto := seedUser(t, r, keys, "  Ada@Example.com ", &phone)

	stored, err := r.FindByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, dto.ID, stored.ID)
	assert.Equal(t, enums.UserRoleCustomer, stored.Role)
	require.NotNil(t, stored.PhoneCipher)
	assert.NotContains(t, *stored.PhoneCipher, "555")
	assert.True(t, len(*stored.PhoneCipher) > 3 && (*stored.PhoneCipher)[:3] == "v1:")

	byPhone, err := r.FindByPhone(context.Background(), keys.BlindIndex(" +1 555 0100 "))
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byPhone.ID)
}

func TestServiceUpdateProfile(t *testing.T) {
	db := dbtest.Open(t)
	keys := testKeyring(t)
	r := NewRepository(db)
	user := seedUser(t, r, keys, "grace@example.com", nil)

	svc, err := NewService(ServiceParams{Repo: r, Keys: keys, Sessions: &fakeRevoker{}})
	require.NoError(t, err)

	first := "Grace"
	phone := "555-0199"
	updated, err := svc.UpdateProfile(context.Background(), user.ID, UpdateProfileRequest{FirstName: &first, Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated.FirstName)
	require.NotNil(t, updated.Phone)
	assert.Equal(t, "555-0199", *updated.Phone)

	reloaded, err := svc.Profile(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Phone)
	assert.Equal(t, "555-0199", *reloaded.Phone)

	blank := "  "
	_, err = svc.UpdateProfile(context.Background(), user.ID, UpdateProfileRequest{LastName: &blank})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	cleared, err := svc.UpdateProfile(context.Background(), user.ID, UpdateProfileRequest{Phone: &blank})
	require.NoError(t, err)
	assert.Nil(t, cleared.Phone)
}

func TestServiceDeactivateRevokesSessions(t *testing.T) {
	db := dbtest.Open(t)
	keys := testKeyring(t)
	r := NewRepository(db)
	user := seedUser(t, r, keys, "linus@example.com", nil)
	revoker := &fakeRevoker{}

	svc, err := NewService(ServiceParams{Repo: r, Keys: keys, Sessions: revoker})
	require.NoError(t, err)

	dto, err := svc.SetActive(context.Background(), user.ID, false)
	require.NoError(t, err)
	assert.False(t, dto.IsActive)
	assert.Equal(t, []uuid.UUID{user.ID}, revoker.revoked)

	dto, err = svc.SetActive(context.Background(), user.ID, true)
	require.NoError(t, err)
	assert.True(t, dto.IsActive)
	assert.Len(t, revoker.revoked, 1)

	_, err = svc.SetActive(context.Background(), uuid.New(), false)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestServiceListPaginates(t *testing.T) {
	db := dbtest.Open(t)
	keys := testKeyring(t)
	r := NewRepository(db)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		seedUser(t, r, keys, email, nil)
	}
	svc, err := NewService(ServiceParams{Repo: r, Keys: keys, Sessions: &fakeRevoker{}})
	require.NoError(t, err)

	first, err := svc.List(context.Background(), pagination.Params{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, first.Users, 2)
	assert.NotEmpty(t, first.NextCursor)

	_, err = svc.List(context.Background(), pagination.Params{Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	count, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}
