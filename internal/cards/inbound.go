package cards

// InboundLinksUpdates derives, from one card's outbound reference change, the
// storage patches for every other card whose cached inbound mirror must be
// updated. Targets with added or changed entries get their full per-source
// mirror map rewritten; targets the source no longer references at all get
// explicit delete markers. The returned patches must be committed atomically
// with the triggering card update so the reference graph is never torn.
func InboundLinksUpdates(cardID string, before, after Card) map[string]StoragePatch {
	changed, deleted := ReferencesCardsDiff(before, after)
	if len(changed) == 0 && len(deleted) == 0 {
		return nil
	}

	updates := make(map[string]StoragePatch, len(changed)+len(deleted))
	for _, targetID := range changed {
		entries := after.ReferencesInfo[targetID]
		mirror := make(map[ReferenceType]string, len(entries))
		for refType, value := range entries {
			mirror[refType] = value
		}
		updates[targetID] = StoragePatch{
			"references_info_inbound." + cardID: Literal(mirror),
			"references_inbound." + cardID:      Literal(true),
		}
	}
	for _, targetID := range deleted {
		updates[targetID] = StoragePatch{
			"references_info_inbound." + cardID: DeleteField(),
			"references_inbound." + cardID:      DeleteField(),
		}
	}
	return updates
}
