// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"time"

	"github.com/google/go-sgx-ias/ias"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var sigrlCmd = &cobra.Command{
	Use:   "sigrl GID...",
	Short: "Fetch EPID signature revocation lists",
	Long: `Fetch the signature revocation list of each hexadecimal EPID group ID.

Lists are fetched concurrently and printed one per line as "gid: list", with the
list base64 encoded as IAS returns it. An empty list means no platform in the
group has been revoked.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gids := make([]uint32, len(args))
		for i, arg := range args {
			gid, err := ias.ParseGroupID(arg)
			if err != nil {
				return err
			}
			gids[i] = gid
		}
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		lists := make([]string, len(gids))
		group, ctx := errgroup.WithContext(cmd.Context())
		for i, gid := range gids {
			i, gid := i, gid
			group.Go(func() error {
				start := time.Now()
				list, err := s.client.SigRL(ctx, gid)
				s.metrics.ObserveRequest("sigrl", start, err)
				if err != nil {
					return fmt.Errorf("EPID group %08x: %w", gid, err)
				}
				lists[i] = list
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		for i, gid := range gids {
			fmt.Fprintf(cmd.OutOrStdout(), "%08x: %s\n", gid, lists[i])
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(sigrlCmd)
}
