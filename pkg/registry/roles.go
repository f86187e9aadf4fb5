package registry

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

// Role is the closed set of functions a component may hold. Unknown roles
// are rejected at load time, never defaulted.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RolePlanner     Role = "planner"
	RoleExecutor    Role = "executor"
	RoleVerifier    Role = "verifier"
	RoleGuardian    Role = "guardian"
	RoleMonitor     Role = "monitor"
	RoleRelay       Role = "relay"
)

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := capabilityTable[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

type capabilities struct {
	send    []contracts.MessageType
	receive []contracts.MessageType
}

var all = contracts.AllMessageTypes

// capabilityTable is fixed at compile time; no message or config can widen it.
var capabilityTable = map[Role]capabilities{
	RoleCoordinator: {
		send: []contracts.MessageType{
			contracts.MessagePlan, contracts.MessageExecute, contracts.MessageVerificationRequest,
			contracts.MessageConsensusUpdate, contracts.MessageHealthReport,
		},
		receive: all,
	},
	RolePlanner: {
		send: []contracts.MessageType{
			contracts.MessagePlan, contracts.MessageVerificationRequest,
			contracts.MessageConsensusUpdate, contracts.MessageHealthReport,
		},
		receive: []contracts.MessageType{
			contracts.MessagePlan, contracts.MessageVerificationRequest, contracts.MessageConsensusUpdate,
			contracts.MessageAlert, contracts.MessageHealthReport,
		},
	},
	RoleExecutor: {
		send: []contracts.MessageType{
			contracts.MessageVerificationRequest, contracts.MessageConsensusUpdate, contracts.MessageHealthReport,
		},
		receive: []contracts.MessageType{
			contracts.MessageExecute, contracts.MessagePlan, contracts.MessageAlert, contracts.MessageConsensusUpdate,
		},
	},
	RoleVerifier: {
		send: []contracts.MessageType{
			contracts.MessageVerificationRequest, contracts.MessageAlert,
			contracts.MessageHealthReport, contracts.MessageConsensusUpdate,
		},
		receive: []contracts.MessageType{
			contracts.MessageVerificationRequest, contracts.MessageConsensusUpdate,
			contracts.MessageAlert, contracts.MessageHealthReport,
		},
	},
	RoleGuardian: {
		send: []contracts.MessageType{
			contracts.MessageAlert, contracts.MessageHealthReport, contracts.MessageConsensusUpdate,
		},
		receive: all,
	},
	RoleMonitor: {
		send: []contracts.MessageType{contracts.MessageAlert, contracts.MessageHealthReport},
		receive: []contracts.MessageType{
			contracts.MessageConsensusUpdate, contracts.MessageAlert, contracts.MessageHealthReport,
		},
	},
	RoleRelay: {
		send:    []contracts.MessageType{contracts.MessageAlert, contracts.MessageHealthReport},
		receive: []contracts.MessageType{contracts.MessageHealthReport},
	},
}

func contains(types []contracts.MessageType, t contracts.MessageType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// CanSend reports whether role may originate messages of type t.
func CanSend(role Role, t contracts.MessageType) bool {
	c, ok := capabilityTable[role]
	return ok && contains(c.send, t)
}

// CanReceive reports whether role may be addressed with messages of type t.
func CanReceive(role Role, t contracts.MessageType) bool {
	c, ok := capabilityTable[role]
	return ok && contains(c.receive, t)
}

// SendTypes returns the message types role may send, as strings.
func SendTypes(role Role) []string {
	return toStrings(capabilityTable[role].send)
}

// ReceiveTypes returns the message types role may receive, as strings.
func ReceiveTypes(role Role) []string {
	return toStrings(capabilityTable[role].receive)
}

func toStrings(types []contracts.MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
