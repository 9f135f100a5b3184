package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/edgenode/xp/pkg/types"
	"github.com/edgenode/xp/pkg/xperr"
)

// Apply is the single deterministic, pure entry point the Raft state
// machine drives: it mutates state in place and returns an ApplyResult or
// a domain error. It must never read the clock, draw randomness, or
// perform I/O — see the package doc comment.
func Apply(state *PersistedState, cmd Command) (ApplyResult, error) {
	switch cmd.Op {
	case OpUpsertNode:
		var p UpsertNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode upsert_node: %v", err)
		}
		return applyUpsertNode(state, p.Node)

	case OpDeleteNode:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_node: %v", err)
		}
		return applyDeleteNode(state, nodeID)

	case OpUpsertEndpoint:
		var p UpsertEndpointPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode upsert_endpoint: %v", err)
		}
		return applyUpsertEndpoint(state, p.Endpoint)

	case OpDeleteEndpoint:
		var endpointID string
		if err := json.Unmarshal(cmd.Data, &endpointID); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_endpoint: %v", err)
		}
		return applyDeleteEndpoint(state, endpointID)

	case OpCreateRealityDomain:
		var p CreateRealityDomainPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode create_reality_domain: %v", err)
		}
		return applyCreateRealityDomain(state, p.Domain)

	case OpPatchRealityDomain:
		var p PatchRealityDomainPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode patch_reality_domain: %v", err)
		}
		return applyPatchRealityDomain(state, p)

	case OpDeleteRealityDomain:
		var domainID string
		if err := json.Unmarshal(cmd.Data, &domainID); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_reality_domain: %v", err)
		}
		return applyDeleteRealityDomain(state, domainID)

	case OpReorderRealityDomains:
		var p ReorderRealityDomainsPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode reorder_reality_domains: %v", err)
		}
		return applyReorderRealityDomains(state, p.DomainIDs)

	case OpUpsertUser:
		var p UpsertUserPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode upsert_user: %v", err)
		}
		return applyUpsertUser(state, p.User)

	case OpDeleteUser:
		var userID string
		if err := json.Unmarshal(cmd.Data, &userID); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_user: %v", err)
		}
		_, existed := state.Users[userID]
		delete(state.Users, userID)
		return ApplyResult{Kind: ResultUserDeleted, Deleted: existed}, nil

	case OpResetUserSubscriptionToken:
		var p ResetUserSubscriptionTokenPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode reset_user_subscription_token: %v", err)
		}
		user, ok := state.Users[p.UserID]
		if !ok {
			return ApplyResult{Kind: ResultUserTokenReset, Applied: false}, nil
		}
		user.SubscriptionToken = p.SubscriptionToken
		state.Users[p.UserID] = user
		return ApplyResult{Kind: ResultUserTokenReset, Applied: true}, nil

	case OpSetUserNodeQuota:
		var p SetUserNodeQuotaPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode set_user_node_quota: %v", err)
		}
		return applySetUserNodeQuota(state, p)

	case OpUpsertGrant:
		var p UpsertGrantPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode upsert_grant: %v", err)
		}
		return applyUpsertGrant(state, p.Grant)

	case OpDeleteGrant:
		var grantID string
		if err := json.Unmarshal(cmd.Data, &grantID); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_grant: %v", err)
		}
		_, existed := state.Grants[grantID]
		delete(state.Grants, grantID)
		return ApplyResult{Kind: ResultGrantDeleted, Deleted: existed}, nil

	case OpCreateGrantGroup:
		var p CreateGrantGroupPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode create_grant_group: %v", err)
		}
		return applyCreateGrantGroup(state, p)

	case OpReplaceGrantGroup:
		var p ReplaceGrantGroupPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode replace_grant_group: %v", err)
		}
		return applyReplaceGrantGroup(state, p)

	case OpDeleteGrantGroup:
		var p DeleteGrantGroupPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode delete_grant_group: %v", err)
		}
		return applyDeleteGrantGroup(state, p.GroupName)

	case OpSetGrantEnabled:
		var p SetGrantEnabledPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode set_grant_enabled: %v", err)
		}
		return applySetGrantEnabled(state, p)

	case OpAppendEndpointProbeSamples:
		var p AppendEndpointProbeSamplesPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return ApplyResult{}, xperr.Internal("decode append_endpoint_probe_samples: %v", err)
		}
		return applyAppendEndpointProbeSamples(state, p)

	default:
		return ApplyResult{}, xperr.Internal("unknown command: %s", cmd.Op)
	}
}

func applyUpsertNode(state *PersistedState, node types.Node) (ApplyResult, error) {
	if err := node.QuotaReset.Validate(); err != nil {
		return ApplyResult{}, err
	}
	state.Nodes[node.NodeID] = node
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyDeleteNode(state *PersistedState, nodeID string) (ApplyResult, error) {
	if _, ok := state.Nodes[nodeID]; !ok {
		return ApplyResult{Kind: ResultNodeDeleted, Deleted: false}, nil
	}
	for _, ep := range state.Endpoints {
		if ep.NodeID == nodeID {
			return ApplyResult{}, xperr.NodeInUse(nodeID, ep.EndpointID)
		}
	}

	delete(state.Nodes, nodeID)
	for i := range state.RealityDomains {
		state.RealityDomains[i].DisabledNodeIDs = removeString(state.RealityDomains[i].DisabledNodeIDs, nodeID)
	}

	for userID, nodes := range state.UserNodeQuotas {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(state.UserNodeQuotas, userID)
		}
	}

	for endpointID, history := range state.EndpointProbeHistory {
		for hour, bucket := range history.Hours {
			delete(bucket.ByNode, nodeID)
			if len(bucket.ByNode) == 0 {
				delete(history.Hours, hour)
			}
		}
		if len(history.Hours) == 0 {
			delete(state.EndpointProbeHistory, endpointID)
		}
	}

	return ApplyResult{Kind: ResultNodeDeleted, Deleted: true}, nil
}

func removeString(in []string, v string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func applyUpsertEndpoint(state *PersistedState, endpoint types.Endpoint) (ApplyResult, error) {
	if err := types.ValidatePort(endpoint.Port); err != nil {
		return ApplyResult{}, err
	}

	if endpoint.Kind == types.EndpointKindVlessRealityVisionTCP {
		meta, err := endpoint.VlessMeta()
		if err != nil {
			return ApplyResult{}, xperr.Internal("decode vless meta: %v", err)
		}

		var serverNames []string
		switch meta.ServerNamesSource {
		case types.ServerNamesSourceGlobal:
			serverNames = deriveGlobalRealityServerNames(state.RealityDomains, endpoint.NodeID)
			if len(serverNames) == 0 {
				return ApplyResult{}, xperr.RealityDomainsWouldBreakEndpoint(endpoint.EndpointID, endpoint.NodeID)
			}
		default:
			serverNames = normalizeRealityServerNames(meta.ServerNames)
			if len(serverNames) == 0 {
				return ApplyResult{}, xperr.VlessRealityServerNamesEmpty(endpoint.EndpointID)
			}
		}
		for _, name := range serverNames {
			if err := validateRealityServerName(name); err != nil {
				return ApplyResult{}, xperr.InvalidRealityServerName(name, err.Error())
			}
		}

		meta.ServerNames = serverNames
		meta.Dest = fmt.Sprintf("%s:443", strings.TrimSpace(serverNames[0]))
		if err := endpoint.SetMeta(meta); err != nil {
			return ApplyResult{}, xperr.Internal("encode vless meta: %v", err)
		}
	}

	state.Endpoints[endpoint.EndpointID] = endpoint
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyDeleteEndpoint(state *PersistedState, endpointID string) (ApplyResult, error) {
	_, existed := state.Endpoints[endpointID]
	delete(state.Endpoints, endpointID)
	delete(state.EndpointProbeHistory, endpointID)
	return ApplyResult{Kind: ResultEndpointDeleted, Deleted: existed}, nil
}

func applyCreateRealityDomain(state *PersistedState, domain types.RealityDomain) (ApplyResult, error) {
	domain.ServerName = strings.TrimSpace(domain.ServerName)
	if err := validateRealityServerName(domain.ServerName); err != nil {
		return ApplyResult{}, xperr.InvalidRealityServerName(domain.ServerName, err.Error())
	}

	key := strings.ToLower(domain.ServerName)
	for _, d := range state.RealityDomains {
		if strings.ToLower(d.ServerName) == key {
			return ApplyResult{}, xperr.RealityDomainNameConflict(domain.ServerName)
		}
	}
	for _, nodeID := range domain.DisabledNodeIDs {
		if _, ok := state.Nodes[nodeID]; !ok {
			return ApplyResult{}, xperr.MissingNode(nodeID)
		}
	}

	next := append(append([]types.RealityDomain(nil), state.RealityDomains...), domain)
	updates, err := buildGlobalVlessMetaUpdates(state.Endpoints, next)
	if err != nil {
		return ApplyResult{}, err
	}
	state.RealityDomains = next
	applyVlessMetaUpdates(state.Endpoints, updates)
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyPatchRealityDomain(state *PersistedState, p PatchRealityDomainPayload) (ApplyResult, error) {
	idx := -1
	for i, d := range state.RealityDomains {
		if d.DomainID == p.DomainID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ApplyResult{}, xperr.RealityDomainNotFound(p.DomainID)
	}

	next := append([]types.RealityDomain(nil), state.RealityDomains...)
	entry := next[idx]

	if p.ServerName != nil {
		trimmed := strings.TrimSpace(*p.ServerName)
		if err := validateRealityServerName(trimmed); err != nil {
			return ApplyResult{}, xperr.InvalidRealityServerName(trimmed, err.Error())
		}
		key := strings.ToLower(trimmed)
		for _, d := range next {
			if d.DomainID != entry.DomainID && strings.ToLower(d.ServerName) == key {
				return ApplyResult{}, xperr.RealityDomainNameConflict(trimmed)
			}
		}
		entry.ServerName = trimmed
	}

	if p.DisabledNodeIDs != nil {
		for _, nodeID := range *p.DisabledNodeIDs {
			if _, ok := state.Nodes[nodeID]; !ok {
				return ApplyResult{}, xperr.MissingNode(nodeID)
			}
		}
		entry.DisabledNodeIDs = *p.DisabledNodeIDs
	}

	next[idx] = entry
	updates, err := buildGlobalVlessMetaUpdates(state.Endpoints, next)
	if err != nil {
		return ApplyResult{}, err
	}
	state.RealityDomains = next
	applyVlessMetaUpdates(state.Endpoints, updates)
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyDeleteRealityDomain(state *PersistedState, domainID string) (ApplyResult, error) {
	found := false
	next := make([]types.RealityDomain, 0, len(state.RealityDomains))
	for _, d := range state.RealityDomains {
		if d.DomainID == domainID {
			found = true
			continue
		}
		next = append(next, d)
	}
	if !found {
		return ApplyResult{}, xperr.RealityDomainNotFound(domainID)
	}

	updates, err := buildGlobalVlessMetaUpdates(state.Endpoints, next)
	if err != nil {
		return ApplyResult{}, err
	}
	state.RealityDomains = next
	applyVlessMetaUpdates(state.Endpoints, updates)
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyReorderRealityDomains(state *PersistedState, domainIDs []string) (ApplyResult, error) {
	if len(domainIDs) != len(state.RealityDomains) {
		return ApplyResult{}, xperr.RealityDomainsReorderInvalid(fmt.Sprintf("length mismatch: expected %d got %d", len(state.RealityDomains), len(domainIDs)))
	}

	seen := map[string]bool{}
	for _, id := range domainIDs {
		if seen[id] {
			return ApplyResult{}, xperr.RealityDomainsReorderInvalid(fmt.Sprintf("duplicate domain_id: %s", id))
		}
		seen[id] = true
	}

	byID := make(map[string]types.RealityDomain, len(state.RealityDomains))
	for _, d := range state.RealityDomains {
		byID[d.DomainID] = d
	}

	next := make([]types.RealityDomain, 0, len(domainIDs))
	for _, id := range domainIDs {
		d, ok := byID[id]
		if !ok {
			return ApplyResult{}, xperr.RealityDomainsReorderInvalid(fmt.Sprintf("unknown domain_id: %s", id))
		}
		next = append(next, d)
		delete(byID, id)
	}
	if len(byID) > 0 {
		return ApplyResult{}, xperr.RealityDomainsReorderInvalid("missing some domain_ids in reorder payload")
	}

	updates, err := buildGlobalVlessMetaUpdates(state.Endpoints, next)
	if err != nil {
		return ApplyResult{}, err
	}
	state.RealityDomains = next
	applyVlessMetaUpdates(state.Endpoints, updates)
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyUpsertUser(state *PersistedState, user types.User) (ApplyResult, error) {
	if err := user.QuotaReset.Validate(); err != nil {
		return ApplyResult{}, err
	}
	state.Users[user.UserID] = user
	return ApplyResult{Kind: ResultApplied}, nil
}

func applySetUserNodeQuota(state *PersistedState, p SetUserNodeQuotaPayload) (ApplyResult, error) {
	if _, ok := state.Users[p.UserID]; !ok {
		return ApplyResult{}, xperr.MissingUser(p.UserID)
	}
	if _, ok := state.Nodes[p.NodeID]; !ok {
		return ApplyResult{}, xperr.MissingNode(p.NodeID)
	}

	nodes, ok := state.UserNodeQuotas[p.UserID]
	if !ok {
		nodes = map[string]UserNodeQuotaConfig{}
		state.UserNodeQuotas[p.UserID] = nodes
	}
	nodes[p.NodeID] = UserNodeQuotaConfig{QuotaLimitBytes: p.QuotaLimitBytes, QuotaResetSource: p.QuotaResetSource}

	// Best-effort: unify existing grants on that node to keep the admin
	// surface consistent with the override just set.
	if p.QuotaLimitBytes != nil {
		for id, grant := range state.Grants {
			if grant.UserID != p.UserID {
				continue
			}
			ep, ok := state.Endpoints[grant.EndpointID]
			if !ok || ep.NodeID != p.NodeID {
				continue
			}
			grant.QuotaLimitBytes = *p.QuotaLimitBytes
			state.Grants[id] = grant
		}
	}

	var limit uint64
	if p.QuotaLimitBytes != nil {
		limit = *p.QuotaLimitBytes
	}
	return ApplyResult{
		Kind: ResultUserNodeQuotaSet,
		Quota: &types.UserNodeQuota{
			UserID:           p.UserID,
			NodeID:           p.NodeID,
			QuotaLimitBytes:  limit,
			QuotaResetSource: p.QuotaResetSource,
		},
	}, nil
}

func applyUpsertGrant(state *PersistedState, grant types.Grant) (ApplyResult, error) {
	if _, ok := state.Users[grant.UserID]; !ok {
		return ApplyResult{}, xperr.MissingUser(grant.UserID)
	}
	endpoint, ok := state.Endpoints[grant.EndpointID]
	if !ok {
		return ApplyResult{}, xperr.MissingEndpoint(grant.EndpointID)
	}

	if grant.GroupName == "" || types.ValidateGroupName(grant.GroupName) != nil {
		grant.GroupName = makeLegacyGroupName(grant.UserID)
	}
	if err := types.ValidateGroupName(grant.GroupName); err != nil {
		return ApplyResult{}, err
	}

	if nodes, ok := state.UserNodeQuotas[grant.UserID]; ok {
		if cfg, ok := nodes[endpoint.NodeID]; ok && cfg.QuotaLimitBytes != nil {
			grant.QuotaLimitBytes = *cfg.QuotaLimitBytes
		}
	}

	for id, g := range state.Grants {
		if id != grant.GrantID && g.UserID == grant.UserID && g.EndpointID == grant.EndpointID {
			return ApplyResult{}, xperr.GrantPairConflict(grant.UserID, grant.EndpointID)
		}
	}

	state.Grants[grant.GrantID] = grant
	return ApplyResult{Kind: ResultApplied}, nil
}

func applyCreateGrantGroup(state *PersistedState, p CreateGrantGroupPayload) (ApplyResult, error) {
	if err := types.ValidateGroupName(p.GroupName); err != nil {
		return ApplyResult{}, err
	}
	if len(p.Grants) == 0 {
		return ApplyResult{}, xperr.EmptyGrantGroup()
	}
	for _, g := range state.Grants {
		if g.GroupName == p.GroupName {
			return ApplyResult{}, xperr.GroupNameConflict(p.GroupName)
		}
	}

	seenPairs := map[[2]string]bool{}
	for _, grant := range p.Grants {
		if _, ok := state.Users[grant.UserID]; !ok {
			return ApplyResult{}, xperr.MissingUser(grant.UserID)
		}
		if _, ok := state.Endpoints[grant.EndpointID]; !ok {
			return ApplyResult{}, xperr.MissingEndpoint(grant.EndpointID)
		}
		if grant.GroupName != p.GroupName {
			return ApplyResult{}, xperr.InvalidGroupName(p.GroupName)
		}
		key := [2]string{grant.UserID, grant.EndpointID}
		if seenPairs[key] {
			return ApplyResult{}, xperr.DuplicateGrantGroupMember(grant.UserID, grant.EndpointID)
		}
		seenPairs[key] = true
		for _, g := range state.Grants {
			if g.UserID == grant.UserID && g.EndpointID == grant.EndpointID {
				return ApplyResult{}, xperr.GrantPairConflict(grant.UserID, grant.EndpointID)
			}
		}
		if _, ok := state.Grants[grant.GrantID]; ok {
			return ApplyResult{}, xperr.InvalidGroupName(p.GroupName)
		}
	}

	for _, grant := range p.Grants {
		state.Grants[grant.GrantID] = grant
	}
	return ApplyResult{Kind: ResultGrantGroupCreated, Created: len(seenPairs)}, nil
}

func applyReplaceGrantGroup(state *PersistedState, p ReplaceGrantGroupPayload) (ApplyResult, error) {
	if err := types.ValidateGroupName(p.GroupName); err != nil {
		return ApplyResult{}, err
	}
	if len(p.Grants) == 0 {
		return ApplyResult{}, xperr.EmptyGrantGroup()
	}

	var renameTo string
	if p.RenameTo != nil {
		renameTo = *p.RenameTo
		if err := types.ValidateGroupName(renameTo); err != nil {
			return ApplyResult{}, err
		}
	}

	existingIDs := []string{}
	for id, g := range state.Grants {
		if g.GroupName == p.GroupName {
			existingIDs = append(existingIDs, id)
		}
	}
	if len(existingIDs) == 0 {
		return ApplyResult{}, xperr.MissingGrantGroup(p.GroupName)
	}

	targetGroupName := p.GroupName
	if renameTo != "" {
		targetGroupName = renameTo
	}
	if targetGroupName != p.GroupName {
		for _, g := range state.Grants {
			if g.GroupName == targetGroupName {
				return ApplyResult{}, xperr.GroupNameConflict(targetGroupName)
			}
		}
	}

	desiredPairs := map[[2]string]bool{}
	for _, grant := range p.Grants {
		if grant.GroupName != p.GroupName {
			return ApplyResult{}, xperr.InvalidGroupName(p.GroupName)
		}
		if _, ok := state.Users[grant.UserID]; !ok {
			return ApplyResult{}, xperr.MissingUser(grant.UserID)
		}
		if _, ok := state.Endpoints[grant.EndpointID]; !ok {
			return ApplyResult{}, xperr.MissingEndpoint(grant.EndpointID)
		}
		key := [2]string{grant.UserID, grant.EndpointID}
		if desiredPairs[key] {
			return ApplyResult{}, xperr.DuplicateGrantGroupMember(grant.UserID, grant.EndpointID)
		}
		desiredPairs[key] = true
		for _, g := range state.Grants {
			if g.UserID == grant.UserID && g.EndpointID == grant.EndpointID && g.GroupName != p.GroupName {
				return ApplyResult{}, xperr.GrantPairConflict(grant.UserID, grant.EndpointID)
			}
		}
	}

	var created, updated, deleted int
	toDelete := []string{}
	for id, g := range state.Grants {
		if g.GroupName != p.GroupName {
			continue
		}
		if !desiredPairs[[2]string{g.UserID, g.EndpointID}] {
			toDelete = append(toDelete, id)
		}
	}
	sort.Strings(toDelete)
	for _, id := range toDelete {
		delete(state.Grants, id)
		deleted++
	}

	for _, grant := range p.Grants {
		grant.GroupName = targetGroupName
		if nodes, ok := state.UserNodeQuotas[grant.UserID]; ok {
			if ep, ok := state.Endpoints[grant.EndpointID]; ok {
				if cfg, ok := nodes[ep.NodeID]; ok && cfg.QuotaLimitBytes != nil {
					grant.QuotaLimitBytes = *cfg.QuotaLimitBytes
				}
			}
		}
		if _, exists := state.Grants[grant.GrantID]; exists {
			updated++
		} else {
			created++
		}
		state.Grants[grant.GrantID] = grant
	}

	return ApplyResult{Kind: ResultGrantGroupReplaced, GroupName: targetGroupName, Created: created, Updated: updated, DeletedCount: deleted}, nil
}

func applyDeleteGrantGroup(state *PersistedState, groupName string) (ApplyResult, error) {
	ids := []string{}
	for id, g := range state.Grants {
		if g.GroupName == groupName {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ApplyResult{}, xperr.MissingGrantGroup(groupName)
	}
	for _, id := range ids {
		delete(state.Grants, id)
	}
	return ApplyResult{Kind: ResultGrantGroupDeleted, DeletedCount: len(ids)}, nil
}

func applySetGrantEnabled(state *PersistedState, p SetGrantEnabledPayload) (ApplyResult, error) {
	grant, ok := state.Grants[p.GrantID]
	if !ok {
		return ApplyResult{Kind: ResultGrantEnabledSet, Changed: false}, nil
	}
	if grant.Enabled == p.Enabled {
		return ApplyResult{Kind: ResultGrantEnabledSet, Grant: &grant, Changed: false}, nil
	}
	grant.Enabled = p.Enabled
	state.Grants[p.GrantID] = grant
	return ApplyResult{Kind: ResultGrantEnabledSet, Grant: &grant, Changed: true}, nil
}

func applyAppendEndpointProbeSamples(state *PersistedState, p AppendEndpointProbeSamplesPayload) (ApplyResult, error) {
	for _, sample := range p.Samples {
		if _, ok := state.Endpoints[sample.EndpointID]; !ok {
			continue
		}

		history, ok := state.EndpointProbeHistory[sample.EndpointID]
		if !ok {
			history = &EndpointProbeHistory{Hours: map[string]EndpointProbeHour{}}
			state.EndpointProbeHistory[sample.EndpointID] = history
		}
		bucket, ok := history.Hours[p.Hour]
		if !ok {
			bucket = EndpointProbeHour{ByNode: map[string]types.EndpointProbeSample{}}
		}
		bucket.ByNode[p.FromNodeID] = types.EndpointProbeSample{
			NodeID:     p.FromNodeID,
			OK:         sample.OK,
			CheckedAt:  sample.CheckedAt,
			LatencyMs:  sample.LatencyMs,
			TargetID:   sample.TargetID,
			Error:      sample.Error,
			ConfigHash: sample.ConfigHash,
		}
		history.Hours[p.Hour] = bucket

		for len(history.Hours) > 24 {
			oldest := ""
			for hour := range history.Hours {
				if oldest == "" || hour < oldest {
					oldest = hour
				}
			}
			delete(history.Hours, oldest)
		}
	}
	return ApplyResult{Kind: ResultApplied}, nil
}

// normalizeRealityServerNames trims, drops empties, and case-insensitively
// dedupes, preserving first-seen order.
func normalizeRealityServerNames(input []string) []string {
	out := make([]string, 0, len(input))
	seen := map[string]bool{}
	for _, raw := range input {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	return out
}

func deriveGlobalRealityServerNames(domains []types.RealityDomain, nodeID string) []string {
	out := make([]string, 0, len(domains))
	seen := map[string]bool{}
	for _, domain := range domains {
		disabled := false
		for _, id := range domain.DisabledNodeIDs {
			if id == nodeID {
				disabled = true
				break
			}
		}
		if disabled {
			continue
		}
		trimmed := strings.TrimSpace(domain.ServerName)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	return out
}

// buildGlobalVlessMetaUpdates recomputes server_names/dest for every
// server_names_source=global endpoint against a candidate domain list,
// without mutating state — callers apply the result only after the
// candidate list itself has been accepted.
func buildGlobalVlessMetaUpdates(endpoints map[string]types.Endpoint, domains []types.RealityDomain) (map[string]types.VlessRealityMeta, error) {
	out := map[string]types.VlessRealityMeta{}
	for endpointID, endpoint := range endpoints {
		if endpoint.Kind != types.EndpointKindVlessRealityVisionTCP {
			continue
		}
		meta, err := endpoint.VlessMeta()
		if err != nil {
			return nil, xperr.Internal("decode vless meta: %v", err)
		}
		if meta.ServerNamesSource != types.ServerNamesSourceGlobal {
			continue
		}

		derived := deriveGlobalRealityServerNames(domains, endpoint.NodeID)
		if len(derived) == 0 {
			return nil, xperr.RealityDomainsWouldBreakEndpoint(endpointID, endpoint.NodeID)
		}
		meta.ServerNames = derived
		meta.Dest = fmt.Sprintf("%s:443", strings.TrimSpace(derived[0]))
		out[endpointID] = meta
	}
	return out, nil
}

func applyVlessMetaUpdates(endpoints map[string]types.Endpoint, updates map[string]types.VlessRealityMeta) {
	for endpointID, meta := range updates {
		ep, ok := endpoints[endpointID]
		if !ok {
			continue
		}
		_ = ep.SetMeta(meta)
		endpoints[endpointID] = ep
	}
}

// validateRealityServerName enforces a DNS-hostname-shaped SNI: this
// rule is not pinned by any unit-level contract carried in the pack, so
// it is a conservative, documented judgment call rather than an inferred
// reproduction of unavailable source.
func validateRealityServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server_name is empty")
	}
	if len(name) > 253 {
		return fmt.Errorf("server_name exceeds 253 characters")
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("server_name has an empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("label %q exceeds 63 characters", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q cannot start or end with '-'", label)
		}
		for _, ch := range label {
			if !(ch >= 'a' && ch <= 'z') && !(ch >= 'A' && ch <= 'Z') && !(ch >= '0' && ch <= '9') && ch != '-' {
				return fmt.Errorf("label %q contains invalid character %q", label, ch)
			}
		}
	}
	return nil
}

func sanitizeGroupNameFragment(input string) string {
	var b strings.Builder
	for _, ch := range input {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteRune(ch + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// makeLegacyGroupName folds a grant with a missing/invalid group_name into
// a deterministic legacy group derived from user_id, matching the
// reference implementation's backward-compatibility shim for pre-group
// Raft logs.
func makeLegacyGroupName(userID string) string {
	fragment := sanitizeGroupNameFragment(userID)
	out := "legacy-" + fragment
	if len(out) > 64 {
		out = out[:64]
	}
	if out == "" {
		out = "legacy"
	}
	return out
}
