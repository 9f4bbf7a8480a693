// Package pagination reads Bitrix24 list methods as lazy item sequences.
//
// List methods return at most 50 items per call together with "total" and
// "next". The Reader requests pages strictly in order, passing the previous
// page's "next" as the "start" of the following one, and yields items as they
// arrive. Each page goes through the client, so retries, backoff and token
// renewal apply per page.
//
// Example usage:
//
//	reader := pagination.NewReader(b24Client, pagination.DefaultConfig())
//	for item, err := range reader.Read(ctx, "crm.deal.list", map[string]any{"select": []string{"ID", "TITLE"}}) {
//		if err != nil {
//			return err
//		}
//		...
//	}
//
// ReadByID walks large collections by ID filter with start=-1, which skips
// the server-side COUNT and keeps every page equally cheap.
package pagination
