package queue

// Merge combines two change-sets without mutating either. Later keys win;
// when both sides hold a nested map the merge recurses so sibling fields
// survive. Queued change-sets must stay intact through retries, hence the
// copy-on-write behavior.
func Merge(dst, src ChangeSet) ChangeSet {
	out := make(ChangeSet, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		prev, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		prevMap, prevIsMap := prev.(map[string]any)
		srcMap, srcIsMap := v.(map[string]any)
		if prevIsMap && srcIsMap {
			out[k] = Merge(prevMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
