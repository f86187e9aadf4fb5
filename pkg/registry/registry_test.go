package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole("planner")
	require.NoError(t, err)
	assert.Equal(t, RolePlanner, r)

	_, err = ParseRole("overlord")
	require.Error(t, err)
}

func TestCapabilityTable(t *testing.T) {
	assert.True(t, CanSend(RolePlanner, contracts.MessagePlan))
	assert.False(t, CanSend(RolePlanner, contracts.MessageExecute))
	assert.True(t, CanSend(RoleCoordinator, contracts.MessageExecute))
	assert.False(t, CanSend(RoleMonitor, contracts.MessageConsensusUpdate))

	assert.True(t, CanReceive(RoleExecutor, contracts.MessageExecute))
	assert.False(t, CanReceive(RoleExecutor, contracts.MessageVerificationRequest))
	assert.False(t, CanReceive(RoleRelay, contracts.MessagePlan))

	assert.False(t, CanSend(Role("unknown"), contracts.MessagePlan))

	// Every role's declared types are known message types.
	for role := range capabilityTable {
		for _, s := range append(SendTypes(role), ReceiveTypes(role)...) {
			assert.True(t, contracts.MessageType(s).Valid(), "%s lists unknown type %s", role, s)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New("", nil, nil)
	require.Error(t, err)

	_, err = New("relay", nil, []Component{{ID: "a", Role: RolePlanner}, {ID: "a", Role: RoleExecutor}})
	require.ErrorContains(t, err, "duplicate")

	_, err = New("relay", nil, []Component{{ID: "impostor", Role: RoleRelay}})
	require.ErrorContains(t, err, "reserved")

	_, err = New("relay", nil, []Component{{ID: "a", Role: Role("god")}})
	require.Error(t, err)

	_, err = New("relay", nil, []Component{
		{ID: "a", Role: RolePlanner, KeyID: "shared", PublicKey: pub},
		{ID: "b", Role: RoleExecutor, KeyID: "shared", PublicKey: pub},
	})
	require.ErrorContains(t, err, "already registered")
}

func TestNew_LookupsAndCounts(t *testing.T) {
	_, relayPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reg, err := New("relay", relayPub, []Component{
		{ID: "planner-1", Role: RolePlanner, PublicKey: pub},
		{ID: "executor-1", Role: RoleExecutor},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, reg.ComponentCount())
	assert.Equal(t, []string{"executor-1", "planner-1", "relay"}, reg.IDs())

	c, ok := reg.Lookup("planner-1")
	require.True(t, ok)
	assert.Equal(t, "planner-1", c.KeyID, "key id defaults to component id")

	got, ok := reg.PublicKey("planner-1")
	require.True(t, ok)
	assert.True(t, pub.Equal(got))

	_, ok = reg.PublicKey("executor-1")
	assert.False(t, ok)

	relay, ok := reg.Lookup("relay")
	require.True(t, ok)
	assert.Equal(t, RoleRelay, relay.Role)
}

func TestParseFile_VersionGate(t *testing.T) {
	_, err := ParseFile([]byte("version: \"1.2.0\"\ncomponents: []\n"))
	require.NoError(t, err)

	_, err = ParseFile([]byte("version: \"2.0.0\"\n"))
	require.ErrorContains(t, err, "not in supported range")

	_, err = ParseFile([]byte("components: []\n"))
	require.ErrorContains(t, err, "missing version")

	_, err = ParseFile([]byte("version: banana\n"))
	require.ErrorContains(t, err, "invalid version")
}

func TestLoad_ResolvesKeys(t *testing.T) {
	dir := t.TempDir()
	ks := crypto.NewKeyStore(filepath.Join(dir, "keys"))

	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SavePublicKey(pub, ks.PublicKeyPath("planner-key")))

	doc := `version: "1.0.0"
relay_id: bus
components:
  - id: planner-1
    role: planner
    key_id: planner-key
  - id: monitor-1
    role: monitor
`
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	reg, err := Load(path, "", nil, ks)
	require.NoError(t, err)
	assert.Equal(t, "bus", reg.RelayID())

	c, ok := reg.Lookup("planner-1")
	require.True(t, ok)
	assert.True(t, pub.Equal(c.PublicKey))

	m, ok := reg.Lookup("monitor-1")
	require.True(t, ok)
	assert.Nil(t, m.PublicKey)

	reg, err = Load(path, "relay-override", nil, ks)
	require.NoError(t, err)
	assert.Equal(t, "relay-override", reg.RelayID())
}

func TestLoad_UnknownRoleFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0.0\"\nrelay_id: r\ncomponents:\n  - id: x\n    role: emperor\n"), 0644))

	_, err := Load(path, "", nil, crypto.NewKeyStore(dir))
	require.ErrorContains(t, err, "unknown role")
}
