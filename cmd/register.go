// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	registerTimeout int
	registerRaw     bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Read and write device registers",
	Long: `Read and write registers of a device service.

Services are named by slot index or service name, registers by code or name:

  jdbus register get 0123456789abcdef 1 reading
  jdbus register set 0123456789abcdef servo enabled true
  jdbus register set 0123456789abcdef 2 0x80 --raw 0a00
  jdbus register list 0123456789abcdef servo`,
}

var registerGetCmd = &cobra.Command{
	Use:   "get <device-id> <service> <register>",
	Short: "Read a register",
	Args:  cobra.ExactArgs(3),
	RunE:  runRegisterGet,
}

var registerSetCmd = &cobra.Command{
	Use:   "set <device-id> <service> <register> <value>...",
	Short: "Write a register",
	Args:  cobra.MinimumNArgs(4),
	RunE:  runRegisterSet,
}

var registerListCmd = &cobra.Command{
	Use:   "list <device-id> <service>",
	Short: "List the known registers of a service",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegisterList,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.AddCommand(registerGetCmd, registerSetCmd, registerListCmd)
	registerCmd.PersistentFlags().IntVar(&registerTimeout, "timeout", 5, "Timeout in seconds")
	registerCmd.PersistentFlags().BoolVar(&registerRaw, "raw", false, "Values are hex bytes, not decoded fields")
}

// openService connects, waits for the device and resolves the service argument
func openService(ctx context.Context, deviceArg, serviceArg string) (*session, *jdom.Service, error) {
	id, err := jdpacket.ParseDeviceID(deviceArg)
	if err != nil {
		return nil, nil, err
	}
	s, err := openBus(ctx, "")
	if err != nil {
		return nil, nil, &exitError{code: 2, err: err}
	}
	dev, err := waitDevice(ctx, s.bus, id, time.Duration(registerTimeout)*time.Second)
	if err == nil && !dev.Announced() {
		err = waitAnnounce(ctx, dev, time.Duration(registerTimeout)*time.Second)
	}
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	svc, err := resolveService(dev, serviceArg)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, svc, nil
}

// waitAnnounce waits for the service list of a device seen before it announced
func waitAnnounce(ctx context.Context, dev *jdom.Device, timeout time.Duration) error {
	done := make(chan struct{}, 1)
	unsub := dev.Bus().Subscribe(func(ev jdom.BusEvent) {
		if ev.Kind == jdom.EventDeviceAnnounce && ev.Device == dev {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()
	if dev.Announced() {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s did not announce its services", dev)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveService finds a service by slot index or by service name
func resolveService(dev *jdom.Device, arg string) (*jdom.Service, error) {
	if idx, err := strconv.ParseUint(arg, 10, 8); err == nil {
		svc := dev.Service(uint8(idx))
		if svc == nil {
			return nil, fmt.Errorf("%s has no service at index %d", dev, idx)
		}
		return svc, nil
	}
	class, ok := jdpacket.ServiceClassByName(arg)
	if !ok {
		if spec := jdom.LookupServiceByName(arg); spec != nil {
			class, ok = spec.Class, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("unknown service %q", arg)
	}
	svcs := dev.ServicesOfClass(class)
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%s has no %s service", dev, arg)
	}
	return svcs[0], nil
}

// resolveRegister finds a register by name or numeric code
func resolveRegister(svc *jdom.Service, arg string) (*jdom.Register, error) {
	if reg, ok := svc.RegisterByName(arg); ok {
		return reg, nil
	}
	code, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("%s has no register %q", svc, arg)
	}
	return svc.Register(uint16(code)), nil
}

// parseValues converts command line arguments to values for layout
func parseValues(layout *jdpacket.Layout, args []string) ([]any, error) {
	values := make([]any, 0, len(args))
	for i, arg := range args {
		if i >= len(layout.Fields) && layout.Repeat < 0 {
			return nil, fmt.Errorf("too many values for layout %q", layout.Format)
		}
		f := layout.Fields[fieldIndex(layout, i)]
		v, err := parseValue(f, arg)
		if err != nil {
			return nil, fmt.Errorf("value %d (%q): %w", i+1, arg, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// fieldIndex maps the i-th value to its layout field, wrapping repeats
func fieldIndex(layout *jdpacket.Layout, i int) int {
	if i < len(layout.Fields) || layout.Repeat < 0 {
		return i
	}
	span := len(layout.Fields) - layout.Repeat
	return layout.Repeat + (i-layout.Repeat)%span
}

func parseValue(f jdpacket.Field, arg string) (any, error) {
	switch f.Kind {
	case jdpacket.FieldBytes:
		if rest, ok := strings.CutPrefix(arg, "0x"); ok {
			return hex.DecodeString(rest)
		}
		return []byte(arg), nil
	case jdpacket.FieldString, jdpacket.FieldZString:
		return arg, nil
	case jdpacket.FieldFloat:
		return strconv.ParseFloat(arg, 64)
	}
	switch strings.ToLower(arg) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}
	if f.Fraction > 0 {
		return strconv.ParseFloat(arg, 64)
	}
	if f.Kind == jdpacket.FieldInt {
		return strconv.ParseInt(arg, 0, 64)
	}
	return strconv.ParseUint(arg, 0, 64)
}

func printRegister(reg *jdom.Register) {
	fmt.Printf("%s = ", reg)
	if fields, err := reg.Fields(); err == nil && !registerRaw {
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = f.String()
		}
		fmt.Printf("%s\n", strings.Join(parts, " "))
		return
	}
	fmt.Printf("%s\n", hex.EncodeToString(reg.Data()))
}

func runRegisterGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, svc, err := openService(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := resolveRegister(svc, args[2])
	if err != nil {
		return err
	}
	if _, err := reg.Read(ctx, 0); err != nil {
		return err
	}
	printRegister(reg)
	return nil
}

func runRegisterSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, svc, err := openService(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := resolveRegister(svc, args[2])
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, time.Duration(registerTimeout)*time.Second)
	defer cancel()

	spec := reg.Spec()
	if registerRaw || spec == nil || spec.Layout == nil {
		data, err := hex.DecodeString(strings.TrimPrefix(strings.Join(args[3:], ""), "0x"))
		if err != nil {
			return fmt.Errorf("raw value: %w", err)
		}
		err = reg.SendSet(wctx, data)
		if err != nil {
			return err
		}
	} else {
		values, err := parseValues(spec.Layout, args[3:])
		if err != nil {
			return err
		}
		if err := reg.Write(wctx, values...); err != nil {
			return err
		}
	}

	if reg.Kind() == jdom.RegisterRW {
		// the pending write keeps the register stale until the device reports it
		if _, err := reg.Read(ctx, 0); err == nil {
			printRegister(reg)
			return nil
		}
	}
	fmt.Printf("%s written\n", reg)
	return nil
}

func runRegisterList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, svc, err := openService(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	defer s.Close()

	spec := svc.Spec()
	if spec == nil {
		fmt.Printf("%s: no register descriptions for class 0x%08x\n", svc, svc.Class())
		return nil
	}
	codes := make([]int, 0, len(spec.Registers))
	for code := range spec.Registers {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	fmt.Printf("%s\n", svc)
	for _, code := range codes {
		r := spec.Registers[uint16(code)]
		layout := ""
		if r.Layout != nil {
			layout = r.Layout.Format
		}
		fmt.Printf("  0x%03x %-24s %-6s %s\n", r.Code, r.Name, r.Kind, layout)
	}
	return nil
}
