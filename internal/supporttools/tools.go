// Package supporttools holds the tools of the customer support agent. The
// backends are mocked: answers follow fixed rules so the agent can be
// demonstrated without any account systems.
package supporttools

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-pipeline/core/tools"
)

const (
	GetWarrantyStatus                  tools.Name = "get_warranty_status"
	GetLatestAppleProductInfo          tools.Name = "get_latest_apple_product_info"
	HandleHardwareRepairRequest        tools.Name = "handle_hardware_repair_request"
	GetPaidRepairOptions               tools.Name = "get_paid_repair_options"
	InitiateRepairOrReplacementProcess tools.Name = "initiate_repair_or_replacement_process"
	GiveCommonTroubleshootingSteps     tools.Name = "give_common_troubleshooting_steps"
	GetBillingDetails                  tools.Name = "get_billing_details"
	CancelSubscription                 tools.Name = "cancel_subscription"
	GetBillingCycleEndDate             tools.Name = "get_billing_cycle_end_date"
	HandleProductSpeculation           tools.Name = "handle_product_speculation"
)

const paidRepairCost = "$199"

type deviceArgs struct {
	DeviceID string `json:"device_id" jsonschema:"description=The unique identifier of the customer's device."`
}

type productArgs struct {
	ProductName string `json:"product_name" jsonschema:"description=The product name such as iPhone 15"`
}

type repairRequestArgs struct {
	DeviceID         string `json:"device_id" jsonschema:"description=The unique identifier of the customer's device."`
	IsCovered        bool   `json:"is_covered" jsonschema:"description=If the device is under warranty or not."`
	IssueDescription string `json:"issue_description" jsonschema:"description=A description of the issue reported by the customer."`
}

type repairOptionsArgs struct {
	DeviceID         string `json:"device_id" jsonschema:"description=The unique identifier of the customer's device."`
	IssueDescription string `json:"issue_description" jsonschema:"description=A description of the issue reported by the customer."`
}

type issueArgs struct {
	IssueDescription string `json:"issue_description" jsonschema:"description=A description of the issue reported by the customer."`
}

type accountArgs struct {
	AccountID string `json:"account_id" jsonschema:"description=The unique identifier of the customer's account."`
}

type subscriptionArgs struct {
	AccountID        string `json:"account_id" jsonschema:"description=The unique identifier of the customer's account."`
	SubscriptionType string `json:"subscription_type" jsonschema:"description=The type of subscription."`
}

type noArgs struct{}

type WarrantyStatus struct {
	WarrantyStatus string `json:"warranty_status"`
}

type ProductDetails struct {
	KeyFeatures string `json:"key_features"`
	Price       string `json:"price"`
}

type RepairCost struct {
	Cost string `json:"cost"`
}

type BillingDetails struct {
	Amount  string `json:"amount"`
	Date    string `json:"date"`
	Service string `json:"service"`
}

// Response is the result of the tools that answer in prose.
type Response struct {
	Response string `json:"response"`
}

// All returns the support tools in the order they are offered to the model.
func All() []tools.Tool {
	return []tools.Tool{
		tools.MustNew(GetWarrantyStatus,
			"Determine the warranty status of a device based on its ID.",
			warrantyStatus),
		tools.MustNew(GetLatestAppleProductInfo,
			"Get the latest info about an Apple product",
			latestProductInfo),
		tools.MustNew(HandleHardwareRepairRequest,
			"Handle a device repair request",
			hardwareRepairRequest),
		tools.MustNew(GetPaidRepairOptions,
			"Get the paid repair options for a device",
			paidRepairOptions),
		tools.MustNew(InitiateRepairOrReplacementProcess,
			"Initiate a repair or replacement process for a device",
			initiateRepair),
		tools.MustNew(GiveCommonTroubleshootingSteps,
			"Give common troubleshooting steps for a software issue like battery draining, slow performance, black screen, etc.",
			troubleshootingSteps),
		tools.MustNew(GetBillingDetails,
			"Get the latest billing information for a customer's account",
			billingDetails),
		tools.MustNew(CancelSubscription,
			"Cancel a customer's subscription",
			cancelSubscription),
		tools.MustNew(GetBillingCycleEndDate,
			"Get the end date of the billing cycle for a subscription",
			billingCycleEndDate),
		tools.MustNew(HandleProductSpeculation,
			"Handle product speculation inquiries by declining to comment on unannounced products.",
			productSpeculation),
	}
}

// NewRegistry returns a registry with all the support tools.
func NewRegistry() (*tools.Registry, error) {
	return tools.NewRegistry(All()...)
}

func warrantyStatus(ctx context.Context, args deviceArgs) (WarrantyStatus, error) {
	logger.DebugContext(ctx, "checking warranty status", "device_id", args.DeviceID)
	if len(args.DeviceID)%2 == 0 {
		return WarrantyStatus{WarrantyStatus: "under warranty"}, nil
	}
	return WarrantyStatus{WarrantyStatus: "not under warranty"}, nil
}

func latestProductInfo(_ context.Context, _ productArgs) (ProductDetails, error) {
	return ProductDetails{
		KeyFeatures: "A15 Bionic chip, 5G support, has Apple Intelligent Assistant",
		Price:       "$799",
	}, nil
}

func hardwareRepairRequest(ctx context.Context, args repairRequestArgs) (Response, error) {
	if args.IsCovered {
		return Response{Response: fmt.Sprintf("I understand your concern about your %s. "+
			"Since your product is covered under warranty, I can initiate a repair through our service center. "+
			"Do you want me to start the process?", args.IssueDescription)}, nil
	}

	options, err := paidRepairOptions(ctx, repairOptionsArgs{DeviceID: args.DeviceID, IssueDescription: args.IssueDescription})
	if err != nil {
		return Response{}, err
	}
	return Response{Response: fmt.Sprintf("Unfortunately, your %s is out of warranty. "+
		"However, I can offer you a paid repair option for %s. Do you want me to start the process?",
		args.IssueDescription, options.Cost)}, nil
}

func paidRepairOptions(_ context.Context, _ repairOptionsArgs) (RepairCost, error) {
	return RepairCost{Cost: paidRepairCost}, nil
}

func initiateRepair(ctx context.Context, args deviceArgs) (Response, error) {
	logger.InfoContext(ctx, "initiating repair or replacement", "device_id", args.DeviceID)
	return Response{Response: "I've initiated a repair through our service center. " +
		"Please bring your device to the nearest Apple Store. " +
		"A normal repair process takes about 3 to 5 business days."}, nil
}

func troubleshootingSteps(_ context.Context, args issueArgs) (Response, error) {
	return Response{Response: fmt.Sprintf("Let's try a few common troubleshooting steps to resolve your issue with %s. "+
		"You can try to restart your device, update the software, or reset the settings to factory defaults.",
		args.IssueDescription)}, nil
}

func billingDetails(_ context.Context, _ accountArgs) (BillingDetails, error) {
	return BillingDetails{Amount: "$9.99", Date: "2024-10-15", Service: "Apple Music"}, nil
}

func cancelSubscription(ctx context.Context, args subscriptionArgs) (Response, error) {
	logger.InfoContext(ctx, "cancelling subscription",
		"account_id", args.AccountID, "subscription_type", args.SubscriptionType)
	return Response{Response: fmt.Sprintf("Your %s has been canceled successfully. "+
		"You can still use that service until the end of the billing cycle.", args.SubscriptionType)}, nil
}

func billingCycleEndDate(_ context.Context, _ subscriptionArgs) (Response, error) {
	return Response{Response: "2024-11-15"}, nil
}

func productSpeculation(_ context.Context, _ noArgs) (Response, error) {
	return Response{Response: "I'm afraid I can't comment on products we haven't officially announced yet. " +
		"However, I'd be happy to discuss our current lineup and help you find the right fit for your needs."}, nil
}
