// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/roles"
)

var (
	rolesTimeout int
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Bind role names to device services",
	Long: `Resolve abstract role names such as "arm/servo1" to service slots of
devices on the bus.

Required roles come from the roles section of the configuration file, either
inline or from the role file it names.

  match  - match the required roles locally against the devices present
  list   - show the roles known to the role manager on the bus
  set    - store a role for a service slot through the role manager
  clear  - drop every stored role of the role manager
  serve  - host a role manager on this client, storing roles in the role file`,
}

var rolesMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match the required roles against the devices present",
	Args:  cobra.NoArgs,
	RunE:  runRolesMatch,
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles known to the role manager",
	Args:  cobra.NoArgs,
	RunE:  runRolesList,
}

var rolesSetCmd = &cobra.Command{
	Use:   "set <role> <device-id> <service-index>",
	Short: "Bind a role to a service slot",
	Args:  cobra.ExactArgs(3),
	RunE:  runRolesSet,
}

var rolesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear every stored role",
	Args:  cobra.NoArgs,
	RunE:  runRolesClear,
}

var rolesServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host a role manager until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runRolesServe,
}

func init() {
	rootCmd.AddCommand(rolesCmd)
	rolesCmd.AddCommand(rolesMatchCmd, rolesListCmd, rolesSetCmd, rolesClearCmd, rolesServeCmd)
	rolesCmd.PersistentFlags().IntVar(&rolesTimeout, "timeout", 5, "Timeout in seconds for role manager requests")
}

func printBindings(bindings []roles.Binding) {
	for _, b := range bindings {
		fmt.Printf("  %-24s %-12s ", b.Role, jdpacket.ServiceClassName(b.ServiceClass))
		if b.Bound {
			fmt.Printf("%s[%d]\n", b.DeviceID, b.ServiceIndex)
		} else {
			fmt.Printf("(unbound)\n")
		}
	}
}

func runRolesMatch(cmd *cobra.Command, args []string) error {
	reqs, err := cfg.Roles.Requirements()
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return fmt.Errorf("no required roles configured")
	}

	ctx := cmd.Context()
	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()
	if err := settle(ctx, s.bus); err != nil {
		return err
	}

	res := roles.Match(roles.BindingsFor(reqs), roles.Candidates(s.bus))
	fmt.Printf("Roles (%d devices, hash 0x%08x):\n", len(s.bus.Devices()), roles.Hash(res.Bindings))
	printBindings(res.Bindings)

	if unbound := res.Unbound(); len(unbound) > 0 {
		fmt.Printf("\nUnbound: %s\n", strings.Join(unbound, ", "))
		return &exitError{code: 1}
	}
	return nil
}

// openRoleClient connects and finds the role manager on the bus
func openRoleClient(ctx context.Context) (*session, *roles.Client, error) {
	s, err := openBus(ctx, "")
	if err != nil {
		return nil, nil, &exitError{code: 2, err: err}
	}
	if err := settle(ctx, s.bus); err != nil {
		s.Close()
		return nil, nil, err
	}
	c, err := roles.FindClient(s.bus)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, c, nil
}

func runRolesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), settleWait+time.Duration(rolesTimeout)*time.Second)
	defer cancel()

	s, c, err := openRoleClient(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Role manager: %s\n", c.Service())
	required, err := c.RequiredRoles(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nRequired roles:\n")
	printBindings(required)

	stored, err := c.StoredRoles(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nStored roles:\n")
	for _, r := range stored {
		fmt.Printf("  %-24s %s[%d]\n", r.Role, r.DeviceID, r.ServiceIndex)
	}

	all, err := c.AllRolesAllocated(ctx)
	if err == nil {
		fmt.Printf("\nAll roles allocated: %v\n", all)
	}
	return nil
}

func runRolesSet(cmd *cobra.Command, args []string) error {
	id, err := jdpacket.ParseDeviceID(args[1])
	if err != nil {
		return err
	}
	idx, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		return fmt.Errorf("service index %q: %w", args[2], err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), settleWait+time.Duration(rolesTimeout)*time.Second)
	defer cancel()
	s, c, err := openRoleClient(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := c.SetRole(ctx, id, uint8(idx), args[0]); err != nil {
		return err
	}
	role, err := c.Role(ctx, id, uint8(idx))
	if err != nil {
		return err
	}
	fmt.Printf("%s[%d] = %q\n", id, idx, role)
	return nil
}

func runRolesClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), settleWait+time.Duration(rolesTimeout)*time.Second)
	defer cancel()
	s, c, err := openRoleClient(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := c.ClearRoles(ctx); err != nil {
		return err
	}
	fmt.Printf("Roles cleared\n")
	return nil
}

func runRolesServe(cmd *cobra.Command, args []string) error {
	reqs, err := cfg.Roles.Requirements()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	opts := []roles.CoordinatorOption{roles.WithCoordinatorLogger(logger)}
	if cfg.Roles.File != "" {
		opts = append(opts, roles.WithStore(roles.FileStore{Path: cfg.Roles.File}))
	}
	coord, err := roles.NewCoordinator(s.bus, reqs, opts...)
	if err != nil {
		return err
	}
	unsub := coord.Subscribe(func(bindings []roles.Binding) {
		fmt.Printf("[%s] roles changed:\n", time.Now().Format("15:04:05"))
		printBindings(bindings)
	})
	defer unsub()
	stop := coord.Start()
	defer stop()

	fmt.Printf("Role manager hosted at %s[%d] with %d required roles\n", s.bus.SelfID(), coord.Index(), len(reqs))
	if err := settle(ctx, s.bus); err != nil && ctx.Err() == nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.Done():
		return fmt.Errorf("connection closed")
	}
	return nil
}
